// Package workflow holds the application lifecycle rules: the status state
// machine, the per-type catalog and the monthly submission limiter.
package workflow

import (
	"rpportal/internal/models"
)

// transitions maps a status to the statuses reachable from it in one step.
// Statuses without an entry are terminal.
var transitions = map[models.ApplicationStatus][]models.ApplicationStatus{
	models.ApplicationStatusPending: {
		models.ApplicationStatusApproved,
		models.ApplicationStatusRejected,
		models.ApplicationStatusTestRequired,
		models.ApplicationStatusClosed,
	},
	models.ApplicationStatusTestRequired: {
		models.ApplicationStatusTestCompleted,
		models.ApplicationStatusClosed,
	},
	models.ApplicationStatusTestCompleted: {
		models.ApplicationStatusApproved,
		models.ApplicationStatusRejected,
		models.ApplicationStatusClosed,
	},
}

var knownStatuses = map[models.ApplicationStatus]struct{}{
	models.ApplicationStatusPending:       {},
	models.ApplicationStatusTestRequired:  {},
	models.ApplicationStatusTestCompleted: {},
	models.ApplicationStatusApproved:      {},
	models.ApplicationStatusRejected:      {},
	models.ApplicationStatusClosed:        {},
}

// IsKnownStatus reports whether s is one of the lifecycle statuses.
func IsKnownStatus(s models.ApplicationStatus) bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.ApplicationStatus) bool {
	return IsKnownStatus(s) && len(transitions[s]) == 0
}

// IsTestingStatus reports whether s belongs to the optional testing step.
func IsTestingStatus(s models.ApplicationStatus) bool {
	return s == models.ApplicationStatusTestRequired || s == models.ApplicationStatusTestCompleted
}

// NextStatuses returns the statuses an application of the given type may move to from `from`.
func NextStatuses(spec TypeSpec, from models.ApplicationStatus) []models.ApplicationStatus {
	out := make([]models.ApplicationStatus, 0, len(transitions[from]))
	for _, to := range transitions[from] {
		if IsTestingStatus(to) && !spec.UsesTesting {
			continue
		}
		out = append(out, to)
	}
	return out
}

// ValidateTransition checks state legality only; caller identity is checked by the route layer.
func ValidateTransition(spec TypeSpec, from, to models.ApplicationStatus) error {
	for _, next := range NextStatuses(spec, from) {
		if next == to {
			return nil
		}
	}
	return models.NewInvalidTransitionError(from, to)
}
