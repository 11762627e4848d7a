package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// The bare-domain form needs a trailing "/" so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|es|mx|ar|xyz|info|biz)/\S*)`)

	// Anchored to whitespace so short numbers like "100" pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name   string
	reason string
	match  func(string) bool
}

// First match wins. Links and phone numbers are screened because they break
// the anonymity of both participants.
var spamChecks = []spamCheck{
	{name: "url", reason: "No se permiten enlaces", match: urlPattern.MatchString},
	{name: "phone", reason: "No se permiten números de teléfono", match: phonePattern.MatchString},
	{name: "char_flood", reason: "Demasiados caracteres repetidos", match: hasCharFlood},
	{name: "word_flood", reason: "Demasiadas palabras repetidas", match: hasWordFlood},
}

// SpamFilter blocks links, phone numbers and flooding. It is opt-in and
// usually chained after the denylist Filter.
type SpamFilter struct{}

func (SpamFilter) Check(text string) Decision {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Decision{Blocked: true, Term: sc.name, Reason: sc.reason}
		}
	}
	return Decision{}
}

// hasCharFlood reports 6 or more consecutive identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 6

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word 3 or more times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
