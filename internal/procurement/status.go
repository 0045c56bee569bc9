package procurement

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/beanhouse/backoffice/internal/shared"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists the states in lifecycle order.
var AllStatuses = []Status{StatusDraft, StatusSent, StatusConfirmed, StatusReceived, StatusCancelled}

var transitions = map[Status][]Status{
	StatusDraft:     {StatusSent, StatusCancelled},
	StatusSent:      {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusReceived, StatusCancelled},
	StatusReceived:  {},
	StatusCancelled: {},
}

// Free-text values found on older records.
var statusAliases = map[string]Status{
	"pending":      StatusDraft,
	"new":          StatusDraft,
	"open":         StatusDraft,
	"ordered":      StatusSent,
	"submitted":    StatusSent,
	"emailed":      StatusSent,
	"approved":     StatusConfirmed,
	"accepted":     StatusConfirmed,
	"acknowledged": StatusConfirmed,
	"delivered":    StatusReceived,
	"completed":    StatusReceived,
	"complete":     StatusReceived,
	"closed":       StatusReceived,
	"fulfilled":    StatusReceived,
	"canceled":     StatusCancelled,
	"void":         StatusCancelled,
	"voided":       StatusCancelled,
	"rejected":     StatusCancelled,
}

// IsValidStatus reports whether s is exactly one of the five states.
func IsValidStatus(s string) bool {
	_, ok := transitions[Status(s)]
	return ok
}

// CanonicalStatus folds case and whitespace and maps legacy aliases onto the
// five states.
func CanonicalStatus(s string) (Status, bool) {
	folded := cases.Fold().String(strings.TrimSpace(s))
	if IsValidStatus(folded) {
		return Status(folded), true
	}
	if st, ok := statusAliases[folded]; ok {
		return st, true
	}
	return "", false
}

// CanTransition reports whether current may move to target. Identity
// transitions are allowed.
func CanTransition(current, target Status) bool {
	next, ok := transitions[current]
	if !ok || !IsValidStatus(string(target)) {
		return false
	}
	if current == target {
		return true
	}
	for _, st := range next {
		if st == target {
			return true
		}
	}
	return false
}

// Spellings returns every lower-cased stored value that folds to s, the
// canonical name first. Used to filter rows still carrying legacy values.
func (s Status) Spellings() []string {
	var aliases []string
	for raw, st := range statusAliases {
		if st == s {
			aliases = append(aliases, raw)
		}
	}
	sort.Strings(aliases)
	return append([]string{string(s)}, aliases...)
}

// Transitions returns the states reachable from current in one step.
func Transitions(current Status) []Status {
	return append([]Status(nil), transitions[current]...)
}

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// ValidateTransition returns a *shared.TransitionError when current may not
// move to target.
func ValidateTransition(current, target Status) error {
	if CanTransition(current, target) {
		return nil
	}
	return &shared.TransitionError{Current: string(current), Target: string(target)}
}
