// Package service holds the application workflow business logic.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rpportal/internal/cache"
	"rpportal/internal/featureflags"
	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/observability"
	"rpportal/internal/repository"
	"rpportal/internal/validation"
	"rpportal/internal/workflow"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

const (
	defaultReviewPageSize = 50
	maxReviewPageSize     = 100
)

// ApplicationEvent describes a committed status transition.
type ApplicationEvent struct {
	Application *models.Application
	From        models.ApplicationStatus
	To          models.ApplicationStatus
	ReviewerID  uuid.UUID
	OccurredAt  time.Time
}

// Emitter is told about every committed transition. Implementations must
// return quickly and must not report delivery failures back to the caller.
type Emitter interface {
	ApplicationTransitioned(ctx context.Context, event ApplicationEvent)
}

// CreateApplicationInput is a member's submission.
type CreateApplicationInput struct {
	AuthorID    uuid.UUID
	Type        models.ApplicationType
	CharacterID *uint
	Data        json.RawMessage
}

// TransitionInput is a reviewer's status change.
type TransitionInput struct {
	ApplicationID uint
	Status        models.ApplicationStatus
	ReviewerID    uuid.UUID
	Comment       *string
}

// ReviewQuery filters the reviewer queue.
type ReviewQuery struct {
	Statuses []models.ApplicationStatus
	Type     models.ApplicationType
	Limit    int
	Offset   int
}

// ReviewPage is one page of the reviewer queue.
type ReviewPage struct {
	Items  []models.Application `json:"items"`
	Total  int64                `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// TypeLimit is the limit state of one application type for one author.
type TypeLimit struct {
	Type       models.ApplicationType `json:"type"`
	Label      string                 `json:"label"`
	MonthlyCap int                    `json:"monthly_cap"`
	workflow.LimitResult
}

// ApplicationService implements submission, review and listing of applications.
type ApplicationService struct {
	repo     repository.ApplicationRepository
	catalog  *workflow.Catalog
	emitter  Emitter
	flags    *featureflags.Manager
	now      func() time.Time
	cacheTTL time.Duration
}

// ApplicationServiceOption configures NewApplicationService.
type ApplicationServiceOption func(*ApplicationService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ApplicationServiceOption {
	return func(s *ApplicationService) { s.now = now }
}

// WithEmitter sets the transition notification emitter.
func WithEmitter(e Emitter) ApplicationServiceOption {
	return func(s *ApplicationService) { s.emitter = e }
}

// WithFeatureFlags sets the flag manager consulted for cached reads.
func WithFeatureFlags(m *featureflags.Manager) ApplicationServiceOption {
	return func(s *ApplicationService) { s.flags = m }
}

// WithCacheTTL sets the lifetime of cached application reads. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ApplicationServiceOption {
	return func(s *ApplicationService) { s.cacheTTL = ttl }
}

// NewApplicationService returns a new ApplicationService.
func NewApplicationService(repo repository.ApplicationRepository, catalog *workflow.Catalog, opts ...ApplicationServiceOption) *ApplicationService {
	s := &ApplicationService{
		repo:     repo,
		catalog:  catalog,
		now:      time.Now,
		cacheTTL: cache.ApplicationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the type catalog the service validates against.
func (s *ApplicationService) Catalog() *workflow.Catalog {
	return s.catalog
}

// Create validates and stores a new pending application. The monthly cap is
// checked and the row inserted while the author's (type, month) lock is held.
func (s *ApplicationService) Create(ctx context.Context, in CreateApplicationInput) (app *models.Application, err error) {
	ctx, span := observability.StartServiceSpan(ctx, "ApplicationService", "Create",
		attribute.String("application.type", string(in.Type)))
	defer func() { observability.EndSpan(span, err) }()

	if in.AuthorID == uuid.Nil {
		return nil, models.NewUnauthorizedError("author is required")
	}
	spec, ok := s.catalog.Lookup(in.Type)
	if !ok {
		return nil, models.NewFieldValidationError("unknown application type", map[string]string{
			"type": fmt.Sprintf("%q is not an application type", in.Type),
		})
	}
	if fields := validation.ValidateApplicationData(in.Data, spec.RequiredFields); fields != nil {
		return nil, models.NewFieldValidationError("application data is incomplete", fields)
	}

	now := s.now().UTC()
	app = &models.Application{
		AuthorID:    in.AuthorID,
		CharacterID: in.CharacterID,
		Type:        in.Type,
		Status:      models.ApplicationStatusPending,
		Data:        datatypes.JSON(in.Data),
		CreatedAt:   now,
		UpdatedAt:   now,
		StatusHistory: []models.ApplicationStatusEntry{{
			Sequence: 1,
			Status:   models.ApplicationStatusPending,
			Date:     now,
		}},
	}

	key := repository.SubmissionKey{AuthorID: in.AuthorID, Type: in.Type, PeriodStart: workflow.PeriodStart(now)}
	err = s.repo.WithSubmissionLock(ctx, key, func(tx repository.ApplicationRepository) error {
		limit, err := workflow.NewLimiter(s.catalog, tx).Check(ctx, in.AuthorID, in.Type, now)
		if err != nil {
			return err
		}
		if !limit.Allowed {
			return models.NewRateLimitError(limit.Reason, 0)
		}
		return tx.Create(ctx, app)
	})
	if err != nil {
		if models.HasCode(err, models.CodeRateLimitExceeded) {
			observability.ApplicationSubmissionsBlocked.WithLabelValues(string(in.Type)).Inc()
			middleware.Logger.InfoContext(ctx, "application submission blocked by monthly cap",
				slog.String("type", string(in.Type)))
		}
		return nil, err
	}

	observability.ApplicationsSubmitted.WithLabelValues(string(in.Type)).Inc()
	middleware.Logger.InfoContext(ctx, "application submitted",
		slog.Uint64("application_id", uint64(app.ID)),
		slog.String("type", string(app.Type)))
	return app, nil
}

// Transition moves an application to a new status on behalf of a reviewer.
// Authorization is the caller's job; only state legality is checked here.
// Notification happens after commit and never affects the result.
func (s *ApplicationService) Transition(ctx context.Context, in TransitionInput) (app *models.Application, err error) {
	ctx, span := observability.StartServiceSpan(ctx, "ApplicationService", "Transition",
		attribute.Int64("application.id", int64(in.ApplicationID)),
		attribute.String("application.to", string(in.Status)))
	defer func() {
		observability.ApplicationTransitions.WithLabelValues(string(in.Status), transitionResult(err)).Inc()
		observability.EndSpan(span, err)
	}()

	if !workflow.IsKnownStatus(in.Status) {
		return nil, models.NewFieldValidationError("unknown status", map[string]string{
			"status": fmt.Sprintf("%q is not an application status", in.Status),
		})
	}
	if in.ReviewerID == uuid.Nil {
		return nil, models.NewUnauthorizedError("reviewer is required")
	}
	comment, err := normalizeComment(in.Comment)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reviewer := in.ReviewerID
	result, err := s.repo.ApplyTransition(ctx, in.ApplicationID, func(current *models.Application) (repository.StatusChange, error) {
		spec, ok := s.catalog.Lookup(current.Type)
		if !ok {
			// A type dropped from the catalog keeps its plain review path.
			spec = workflow.TypeSpec{Type: current.Type}
		}
		if err := workflow.ValidateTransition(spec, current.Status, in.Status); err != nil {
			return repository.StatusChange{}, err
		}
		return repository.StatusChange{
			Status:     in.Status,
			ReviewerID: &reviewer,
			Comment:    comment,
			At:         now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	cache.InvalidateApplication(ctx, in.ApplicationID)
	middleware.Logger.InfoContext(ctx, "application transitioned",
		slog.Uint64("application_id", uint64(in.ApplicationID)),
		slog.String("from", string(result.From)),
		slog.String("to", string(in.Status)))

	s.emit(ctx, ApplicationEvent{
		Application: result.Application,
		From:        result.From,
		To:          in.Status,
		ReviewerID:  reviewer,
		OccurredAt:  now,
	})
	return result.Application, nil
}

func (s *ApplicationService) emit(ctx context.Context, event ApplicationEvent) {
	if s.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			middleware.Logger.ErrorContext(ctx, "notification emitter panicked",
				slog.Uint64("application_id", uint64(event.Application.ID)),
				slog.Any("panic", r))
		}
	}()
	s.emitter.ApplicationTransitioned(ctx, event)
}

func normalizeComment(comment *string) (*string, error) {
	if comment == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*comment)
	if trimmed == "" {
		return nil, nil
	}
	if err := validation.ValidateReviewComment(trimmed); err != nil {
		return nil, models.NewFieldValidationError("invalid comment", map[string]string{"comment": err.Error()})
	}
	return &trimmed, nil
}

func transitionResult(err error) string {
	if err == nil {
		return "ok"
	}
	var code string
	for _, c := range []string{models.CodeNotFound, models.CodeValidation, models.CodeInvalidTransition, models.CodeUnauthorized} {
		if models.HasCode(err, c) {
			code = c
			break
		}
	}
	if code == "" {
		code = models.CodeInternal
	}
	return strings.ToLower(code)
}

// Get returns one application. Reads go through the cache when the
// application_cache flag is on; a transition invalidates the entry.
func (s *ApplicationService) Get(ctx context.Context, id uint) (*models.Application, error) {
	if !s.cacheEnabled() {
		return s.repo.GetByID(ctx, id)
	}

	var app models.Application
	err := cache.Aside(ctx, cache.ApplicationKey(id), &app, s.cacheTTL, func() error {
		loaded, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		app = *loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range app.StatusHistory {
		app.StatusHistory[i].ApplicationID = app.ID
	}
	return &app, nil
}

// GetVisible returns an application the viewer may see: their own, or any
// application when the viewer is a reviewer. Others read as not found.
func (s *ApplicationService) GetVisible(ctx context.Context, id uint, viewer uuid.UUID, reviewer bool) (*models.Application, error) {
	app, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !reviewer && !app.IsAuthor(viewer) {
		return nil, models.NewNotFoundError("Application", id)
	}
	return app, nil
}

func (s *ApplicationService) cacheEnabled() bool {
	return s.cacheTTL > 0 && s.flags.Enabled(featureflags.ApplicationCache)
}

// ListForUser returns the author's applications, newest first.
func (s *ApplicationService) ListForUser(ctx context.Context, authorID uuid.UUID) ([]models.Application, error) {
	apps, err := s.repo.ListByAuthor(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []models.Application{}
	}
	return apps, nil
}

// ListForReview returns a page of the reviewer queue, oldest first.
func (s *ApplicationService) ListForReview(ctx context.Context, q ReviewQuery) (*ReviewPage, error) {
	for _, st := range q.Statuses {
		if !workflow.IsKnownStatus(st) {
			return nil, models.NewFieldValidationError("unknown status", map[string]string{"status": string(st)})
		}
	}
	if q.Type != "" {
		if _, ok := s.catalog.Lookup(q.Type); !ok {
			return nil, models.NewFieldValidationError("unknown application type", map[string]string{"type": string(q.Type)})
		}
	}
	if q.Limit <= 0 {
		q.Limit = defaultReviewPageSize
	}
	q.Limit = min(q.Limit, maxReviewPageSize)
	q.Offset = max(q.Offset, 0)

	apps, total, err := s.repo.ListForReview(ctx, repository.ReviewFilter{
		Statuses: q.Statuses,
		Type:     q.Type,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []models.Application{}
	}
	return &ReviewPage{Items: apps, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// CheckLimit reports whether the author may submit an application of appType now.
func (s *ApplicationService) CheckLimit(ctx context.Context, authorID uuid.UUID, appType models.ApplicationType) (workflow.LimitResult, error) {
	return workflow.NewLimiter(s.catalog, s.repo).Check(ctx, authorID, appType, s.now().UTC())
}

// CheckAllLimits reports the limit state of every catalog type for the author.
func (s *ApplicationService) CheckAllLimits(ctx context.Context, authorID uuid.UUID) ([]TypeLimit, error) {
	limiter := workflow.NewLimiter(s.catalog, s.repo)
	now := s.now().UTC()

	types := s.catalog.Types()
	out := make([]TypeLimit, 0, len(types))
	for _, spec := range types {
		res, err := limiter.Check(ctx, authorID, spec.Type, now)
		if err != nil {
			return nil, err
		}
		out = append(out, TypeLimit{Type: spec.Type, Label: spec.Label, MonthlyCap: spec.MonthlyCap, LimitResult: res})
	}
	return out, nil
}
