package moderation

// Decision is the outcome of screening one message. Reason is shown to the
// sender when Blocked is true.
type Decision struct {
	Blocked bool
	Term    string
	Reason  string
}

// Checker is the allow/block contract the room manager depends on.
type Checker interface {
	Check(text string) Decision
}

// Chain runs checkers in order and returns the first blocking decision.
type Chain []Checker

func (c Chain) Check(text string) Decision {
	for _, ch := range c {
		if d := ch.Check(text); d.Blocked {
			return d
		}
	}
	return Decision{}
}
