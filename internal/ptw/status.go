package ptw

import "strings"

// Status is the canonical permit lifecycle state. Legacy labels from older
// mobile builds are normalised on entry; downstream code only ever sees
// canonical values.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusCompleted   Status = "completed"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
)

// allowedTransitions maps each source status to the set of legal targets.
// active->expired is reserved for the system actor (auto-expiry).
var allowedTransitions = map[Status][]Status{
	StatusDraft:       {StatusSubmitted, StatusCancelled},
	StatusSubmitted:   {StatusUnderReview, StatusRejected, StatusDraft},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusSubmitted},
	StatusApproved:    {StatusActive, StatusCancelled},
	StatusActive:      {StatusCompleted, StatusSuspended, StatusExpired},
	StatusSuspended:   {StatusActive, StatusCancelled},
	StatusRejected:    {StatusDraft},
	StatusCompleted:   {},
	StatusCancelled:   {},
	StatusExpired:     {},
}

var legacyStatuses = map[string]Status{
	"pending_verification": StatusSubmitted,
	"verified":             StatusUnderReview,
	"pending_approval":     StatusUnderReview,
	"in_progress":          StatusActive,
	"closed":               StatusCompleted,
}

// NormalizeStatus maps raw input (including legacy labels) to a canonical
// status. The second return is false for unknown values.
func NormalizeStatus(raw string) (Status, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := legacyStatuses[s]; ok {
		return canonical, true
	}
	if _, ok := allowedTransitions[Status(s)]; ok {
		return Status(s), true
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// signatureActionFor maps a transition edge to the workflow action whose
// signature set must be present before the edge commits.
func signatureActionFor(from, to Status) (string, bool) {
	switch {
	case from == StatusDraft && to == StatusSubmitted:
		return "submit", true
	case from == StatusSubmitted && to == StatusUnderReview:
		return "verify", true
	case from == StatusUnderReview && to == StatusApproved:
		return "approve", true
	case from == StatusApproved && to == StatusActive:
		return "activate", true
	default:
		return "", false
	}
}
