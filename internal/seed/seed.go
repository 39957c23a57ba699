package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rpportal/internal/middleware"
	"rpportal/internal/models"
	"rpportal/internal/workflow"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Summary reports what a seeding run produced.
type Summary struct {
	Authors      []uuid.UUID
	Reviewers    []uuid.UUID
	Applications int
	ByStatus     map[models.ApplicationStatus]int
}

// Seeder populates the database with applications that respect the catalog's
// monthly caps and the status state machine.
type Seeder struct {
	db      *gorm.DB
	opts    Options
	factory *Factory
}

// NewSeeder creates a Seeder. Zero-valued counts fall back to small defaults.
func NewSeeder(db *gorm.DB, catalog *workflow.Catalog, opts Options) *Seeder {
	if opts.Authors <= 0 {
		opts.Authors = 10
	}
	if opts.PerAuthor <= 0 {
		opts.PerAuthor = 4
	}
	if opts.ReviewerCount <= 0 {
		opts.ReviewerCount = 2
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	return &Seeder{db: db, opts: opts, factory: NewFactory(db, catalog, opts)}
}

// ClearAll removes every application, history row and notification.
func (s *Seeder) ClearAll(ctx context.Context) error {
	if s.opts.DryRun {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.ApplicationStatusEntry{},
			&models.Notification{},
			&models.Application{},
		} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return fmt.Errorf("clear %T: %w", model, err)
			}
		}
		return nil
	})
}

// Seed creates PerAuthor applications per author in each of the previous and
// current calendar months. Capped types are skipped once an author reaches
// the cap for that month.
func (s *Seeder) Seed(ctx context.Context) (*Summary, error) {
	if s.opts.Clean {
		if err := s.ClearAll(ctx); err != nil {
			return nil, err
		}
	}

	summary := &Summary{ByStatus: make(map[models.ApplicationStatus]int)}
	for i := 0; i < s.opts.ReviewerCount; i++ {
		summary.Reviewers = append(summary.Reviewers, uuid.New())
	}

	types := s.factory.catalog.Types()
	current := workflow.PeriodStart(s.opts.Now)
	previous := workflow.PeriodStart(current.Add(-time.Hour))

	for a := 0; a < s.opts.Authors; a++ {
		author := uuid.New()
		summary.Authors = append(summary.Authors, author)

		for _, period := range []time.Time{previous, current} {
			used := make(map[models.ApplicationType]int)
			for n := 0; n < s.opts.PerAuthor; n++ {
				spec := types[s.factory.rng.Intn(len(types))]
				if spec.Limited() && used[spec.Type] >= spec.MonthlyCap {
					continue
				}
				used[spec.Type]++

				app := s.factory.BuildApplication(author, spec, s.randomTimeIn(period), summary.Reviewers)
				if err := ctx.Err(); err != nil {
					return summary, err
				}
				if err := s.factory.CreateApplication(app); err != nil {
					return summary, err
				}
				summary.Applications++
				summary.ByStatus[app.Status]++
			}
		}
	}

	middleware.Logger.Info("seeded applications",
		slog.Int("authors", len(summary.Authors)),
		slog.Int("applications", summary.Applications),
		slog.Bool("dry_run", s.opts.DryRun),
	)
	return summary, nil
}

// randomTimeIn returns a time inside the month starting at period and not
// after the configured now.
func (s *Seeder) randomTimeIn(period time.Time) time.Time {
	end := workflow.NextPeriodStart(period)
	if s.opts.Now.Before(end) {
		end = s.opts.Now
	}
	span := end.Sub(period)
	if span <= 0 {
		return period
	}
	return period.Add(time.Duration(s.factory.rng.Int63n(int64(span))))
}
