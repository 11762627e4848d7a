// Package moderation screens chat text before it is relayed to a peer. The
// default Filter is a case-insensitive substring match against a fixed
// denylist; anything implementing Checker can take its place.
package moderation

import "strings"

// DefaultTerms is the denylist applied to every text message.
var DefaultTerms = []string{"idiota", "estúpido", "imbécil", "pendejo", "puta"}

// Filter blocks text containing any denylisted term.
type Filter struct {
	terms []string // lowercased, in match priority order
}

// NewFilter returns a Filter over DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms returns a Filter over the given terms. Empty terms are
// skipped since they would match everything.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{terms: make([]string, 0, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			f.terms = append(f.terms, t)
		}
	}
	return f
}

// Check reports the first term, in denylist order, found anywhere in text.
func (f *Filter) Check(text string) Decision {
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return Decision{
				Blocked: true,
				Term:    term,
				Reason:  `Ofensiva: "` + term + `"`,
			}
		}
	}
	return Decision{}
}

// Terms returns a copy of the active denylist.
func (f *Filter) Terms() []string {
	out := make([]string, len(f.terms))
	copy(out, f.terms)
	return out
}
