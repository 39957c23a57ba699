// Package repository provides data access layer implementations for the application.
package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"rpportal/internal/models"
	"rpportal/internal/observability"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

// ReviewFilter narrows the reviewer queue.
type ReviewFilter struct {
	Statuses []models.ApplicationStatus
	Type     models.ApplicationType
	Limit    int
	Offset   int
}

// SubmissionKey identifies the (author, type, month) bucket a submission counts against.
type SubmissionKey struct {
	AuthorID    uuid.UUID
	Type        models.ApplicationType
	PeriodStart time.Time
}

// LockID derives the advisory lock key for the bucket.
func (k SubmissionKey) LockID() int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "applications:%s:%s:%s", k.AuthorID, k.Type, k.PeriodStart.UTC().Format("2006-01"))
	return int64(h.Sum64())
}

// StatusChange is what a transition writes: the new status, who made it and when.
type StatusChange struct {
	Status     models.ApplicationStatus
	ReviewerID *uuid.UUID
	Comment    *string
	At         time.Time
}

// TransitionFunc inspects the locked current record and returns the change to
// apply, or an error to abort without writing.
type TransitionFunc func(current *models.Application) (StatusChange, error)

// TransitionResult is the committed record plus the status it left.
type TransitionResult struct {
	Application *models.Application
	From        models.ApplicationStatus
}

// ApplicationRepository persists applications and their status history.
type ApplicationRepository interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id uint) (*models.Application, error)
	ListByAuthor(ctx context.Context, authorID uuid.UUID) ([]models.Application, error)
	ListForReview(ctx context.Context, filter ReviewFilter) ([]models.Application, int64, error)
	CountSubmissions(ctx context.Context, authorID uuid.UUID, appType models.ApplicationType, since time.Time) (int64, error)
	ApplyTransition(ctx context.Context, id uint, decide TransitionFunc) (*TransitionResult, error)
	WithSubmissionLock(ctx context.Context, key SubmissionKey, fn func(ApplicationRepository) error) error
}

type applicationRepository struct {
	db            *gorm.DB
	advisoryLocks bool
	log           *observability.RepoLogger
}

// ApplicationRepositoryOption configures NewApplicationRepository.
type ApplicationRepositoryOption func(*applicationRepository)

// WithAdvisoryLocks toggles pg_advisory_xact_lock around submissions. It has
// no effect on non-PostgreSQL dialects.
func WithAdvisoryLocks(enabled bool) ApplicationRepositoryOption {
	return func(r *applicationRepository) {
		r.advisoryLocks = enabled
	}
}

// NewApplicationRepository creates a new ApplicationRepository
func NewApplicationRepository(db *gorm.DB, opts ...ApplicationRepositoryOption) ApplicationRepository {
	r := &applicationRepository{
		db:            db,
		advisoryLocks: true,
		log:           observability.NewRepoLogger("applications"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *applicationRepository) withDB(db *gorm.DB) *applicationRepository {
	clone := *r
	clone.db = db
	return &clone
}

// Create inserts the application and its initial history rows in one transaction.
func (r *applicationRepository) Create(ctx context.Context, app *models.Application) error {
	defer observability.TrackQuery("create", "applications")()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(app).Error; err != nil {
			return err
		}
		for i := range app.StatusHistory {
			app.StatusHistory[i].ApplicationID = app.ID
		}
		if len(app.StatusHistory) > 0 {
			if err := tx.Create(&app.StatusHistory).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.LogError(ctx, err, "create", map[string]interface{}{"author_id": app.AuthorID, "type": app.Type})
		return models.NewInternalError(err)
	}

	r.log.LogWrite(ctx, "create", map[string]interface{}{"id": app.ID, "type": app.Type})
	return nil
}

func (r *applicationRepository) GetByID(ctx context.Context, id uint) (*models.Application, error) {
	defer observability.TrackQuery("get", "applications")()

	app, err := loadApplication(r.db.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Application", id)
		}
		return nil, models.NewInternalError(err)
	}
	return app, nil
}

func loadApplication(db *gorm.DB, id uint) (*models.Application, error) {
	var app models.Application
	err := db.Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC")
	}).First(&app, id).Error
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ListByAuthor returns the author's applications, newest first. Ties on
// created_at are broken by id so the order is total.
func (r *applicationRepository) ListByAuthor(ctx context.Context, authorID uuid.UUID) ([]models.Application, error) {
	defer observability.TrackQuery("list_by_author", "applications")()

	var apps []models.Application
	if err := r.db.WithContext(ctx).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&apps).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return apps, nil
}

// ListForReview returns the reviewer queue, oldest first, with the total match count.
func (r *applicationRepository) ListForReview(ctx context.Context, filter ReviewFilter) ([]models.Application, int64, error) {
	defer observability.TrackQuery("list_for_review", "applications")()

	scoped := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&models.Application{})
		if len(filter.Statuses) > 0 {
			query = query.Where("status IN ?", filter.Statuses)
		}
		if filter.Type != "" {
			query = query.Where("type = ?", filter.Type)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}

	var apps []models.Application
	page := scoped().
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Order("created_at ASC").Order("id ASC").Offset(filter.Offset)
	if filter.Limit > 0 {
		page = page.Limit(filter.Limit)
	}
	if err := page.Find(&apps).Error; err != nil {
		return nil, 0, models.NewInternalError(err)
	}
	return apps, total, nil
}

// CountSubmissions counts the author's applications of appType created at or after since.
// Every status counts, including rejected and closed ones.
func (r *applicationRepository) CountSubmissions(ctx context.Context, authorID uuid.UUID, appType models.ApplicationType, since time.Time) (int64, error) {
	defer observability.TrackQuery("count_submissions", "applications")()

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Application{}).
		Where("author_id = ? AND type = ? AND created_at >= ?", authorID, appType, since).
		Count(&count).Error; err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

// ApplyTransition locks the row, lets decide validate the move, then writes the
// new status and appends the next history entry in the same transaction.
func (r *applicationRepository) ApplyTransition(ctx context.Context, id uint, decide TransitionFunc) (*TransitionResult, error) {
	defer observability.TrackQuery("transition", "applications")()

	var result TransitionResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Application
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Application", id)
			}
			return err
		}

		change, err := decide(&current)
		if err != nil {
			return err
		}

		var lastSeq int
		if err := tx.Model(&models.ApplicationStatusEntry{}).
			Where("application_id = ?", id).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&lastSeq).Error; err != nil {
			return err
		}

		updated := tx.Model(&models.Application{}).
			Where("id = ? AND status = ?", id, current.Status).
			Updates(map[string]interface{}{
				"status":         change.Status,
				"reviewer_id":    change.ReviewerID,
				"review_comment": change.Comment,
				"updated_at":     change.At,
			})
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected != 1 {
			return errConcurrentTransition
		}

		entry := models.ApplicationStatusEntry{
			ApplicationID: id,
			Sequence:      lastSeq + 1,
			Status:        change.Status,
			Date:          change.At,
			Comment:       change.Comment,
			ReviewerID:    change.ReviewerID,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		app, err := loadApplication(tx, id)
		if err != nil {
			return err
		}
		result = TransitionResult{Application: app, From: current.Status}
		return nil
	})
	if err != nil {
		return nil, r.mapTransitionError(ctx, id, err)
	}

	r.log.LogWrite(ctx, "transition", map[string]interface{}{
		"id":   id,
		"from": result.From,
		"to":   result.Application.Status,
	})
	return &result, nil
}

var errConcurrentTransition = &models.AppError{
	Code:    models.CodeInvalidTransition,
	Message: "application was modified by another reviewer, reload and retry",
}

func (r *applicationRepository) mapTransitionError(ctx context.Context, id uint, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errConcurrentTransition
	}
	r.log.LogError(ctx, err, "transition", map[string]interface{}{"id": id})
	return models.NewInternalError(err)
}

// WithSubmissionLock runs fn in a transaction that, on PostgreSQL, holds an
// advisory lock for key until commit. Concurrent submissions for the same
// bucket therefore count and insert one at a time.
func (r *applicationRepository) WithSubmissionLock(ctx context.Context, key SubmissionKey, fn func(ApplicationRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.advisoryLocks && tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key.LockID()).Error; err != nil {
				return models.NewInternalError(fmt.Errorf("acquire submission lock: %w", err))
			}
		}
		return fn(r.withDB(tx))
	})
}
