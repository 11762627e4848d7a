package matching

import "strings"

// Emotions is the fixed set of categories participants can join.
var Emotions = []string{
	"Ansiedad",
	"Soledad",
	"Alegría",
	"Esperanza",
	"Estrés",
	"Tristeza",
	"Motivación",
	"Calma",
}

var emotionIndex = func() map[string]string {
	m := make(map[string]string, len(Emotions))
	for _, e := range Emotions {
		m[strings.ToLower(e)] = e
	}
	return m
}()

// Normalize maps raw user input onto its canonical emotion label, ignoring
// case and surrounding whitespace. ok is false for unknown categories.
func Normalize(raw string) (emotion string, ok bool) {
	emotion, ok = emotionIndex[strings.ToLower(strings.TrimSpace(raw))]
	return emotion, ok
}

// Slug returns a lowercase ASCII-safe form of a label for use in identifiers.
func Slug(emotion string) string {
	r := strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n")
	return r.Replace(strings.ToLower(emotion))
}
