package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rpportal/internal/models"

	"github.com/google/uuid"
)

// SubmissionCounter counts applications of one type an author created since a given instant,
// regardless of their status.
type SubmissionCounter interface {
	CountSubmissions(ctx context.Context, authorID uuid.UUID, appType models.ApplicationType, since time.Time) (int64, error)
}

// LimitResult is the outcome of a limit check.
type LimitResult struct {
	Allowed bool `json:"allowed"`
	// RemainingCount is nil for uncapped types.
	RemainingCount *int   `json:"remaining_count,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Limiter decides whether an author may submit another application of a type this month.
// It has no side effects; callers pass the current time explicitly.
type Limiter struct {
	catalog *Catalog
	counter SubmissionCounter
}

// NewLimiter returns a Limiter reading caps from catalog and counts from counter.
func NewLimiter(catalog *Catalog, counter SubmissionCounter) *Limiter {
	return &Limiter{catalog: catalog, counter: counter}
}

// Check evaluates the cap for (authorID, appType) in the calendar month containing now.
func (l *Limiter) Check(ctx context.Context, authorID uuid.UUID, appType models.ApplicationType, now time.Time) (LimitResult, error) {
	spec, ok := l.catalog.Lookup(appType)
	if !ok {
		return LimitResult{}, models.NewValidationError(fmt.Sprintf("unknown application type %q", appType))
	}
	if !spec.Limited() {
		return LimitResult{Allowed: true}, nil
	}

	count, err := l.counter.CountSubmissions(ctx, authorID, appType, PeriodStart(now))
	if err != nil {
		return LimitResult{}, err
	}

	remaining := spec.MonthlyCap - int(count)
	if remaining <= 0 {
		remaining = 0
		return LimitResult{
			Allowed:        false,
			RemainingCount: &remaining,
			Reason:         limitReason(spec, now),
		}, nil
	}
	return LimitResult{Allowed: true, RemainingCount: &remaining}, nil
}

func limitReason(spec TypeSpec, now time.Time) string {
	noun := "applications"
	if spec.MonthlyCap == 1 {
		noun = "application"
	}
	return fmt.Sprintf("You have reached the limit of %d %s %s this month. You can submit a new one from %s.",
		spec.MonthlyCap, strings.ToLower(spec.Label), noun, NextPeriodStart(now).Format("2 January 2006"))
}
