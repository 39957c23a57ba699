// Package seed provides helpers to create demo application data for
// development databases and tests.
package seed

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"rpportal/internal/models"
	"rpportal/internal/workflow"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Options control how much data the Seeder creates.
type Options struct {
	Authors       int
	PerAuthor     int
	ReviewerCount int
	DryRun        bool
	Clean         bool
	// Now anchors the current month; zero means time.Now().
	Now time.Time
	// RandSeed makes runs reproducible when non-zero.
	RandSeed int64
}

// Factory builds applications with catalog-valid data and status histories.
type Factory struct {
	db      *gorm.DB
	opts    Options
	catalog *workflow.Catalog
	rng     *rand.Rand
	faker   *gofakeit.Faker
	// synthetic ID counter when running in DryRun mode
	nextID uint
}

// NewFactory creates a Factory bound to db. db may be nil in DryRun mode.
func NewFactory(db *gorm.DB, catalog *workflow.Catalog, opts Options) *Factory {
	seed := opts.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if catalog == nil {
		catalog = workflow.DefaultCatalog()
	}
	return &Factory{
		db:      db,
		opts:    opts,
		catalog: catalog,
		rng:     rand.New(rand.NewSource(seed)),
		faker:   gofakeit.New(seed),
		nextID:  1000,
	}
}

// BuildApplication constructs an application of spec's type created at
// createdAt, walking a random legal path through the state machine. It does
// not persist anything.
func (f *Factory) BuildApplication(author uuid.UUID, spec workflow.TypeSpec, createdAt time.Time, reviewers []uuid.UUID) *models.Application {
	app := &models.Application{
		AuthorID:  author,
		Type:      spec.Type,
		Status:    models.ApplicationStatusPending,
		Data:      datatypes.JSON(f.buildData(spec, createdAt)),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		StatusHistory: []models.ApplicationStatusEntry{{
			Sequence: 1,
			Status:   models.ApplicationStatusPending,
			Date:     createdAt,
		}},
	}
	if f.rng.Intn(3) == 0 {
		cid := uint(f.rng.Intn(500) + 1)
		app.CharacterID = &cid
	}

	at := createdAt
	for len(reviewers) > 0 {
		next := workflow.NextStatuses(spec, app.Status)
		// a third of the time the application stays where it is
		if len(next) == 0 || f.rng.Intn(3) == 0 {
			break
		}
		to := next[f.rng.Intn(len(next))]
		at = at.Add(time.Duration(f.rng.Intn(48)+1) * time.Hour)
		reviewer := reviewers[f.rng.Intn(len(reviewers))]
		var comment *string
		if f.rng.Intn(2) == 0 {
			c := f.faker.Sentence(8)
			comment = &c
		}
		app.StatusHistory = append(app.StatusHistory, models.ApplicationStatusEntry{
			Sequence:   len(app.StatusHistory) + 1,
			Status:     to,
			Date:       at,
			Comment:    comment,
			ReviewerID: &reviewer,
		})
		app.Status = to
		app.ReviewerID = &reviewer
		app.ReviewComment = comment
		app.UpdatedAt = at
	}
	return app
}

// buildData fills every required field of spec with plausible values.
func (f *Factory) buildData(spec workflow.TypeSpec, createdAt time.Time) []byte {
	data := make(map[string]string, len(spec.RequiredFields))
	for _, field := range spec.RequiredFields {
		data[field] = f.fieldValue(field, createdAt)
	}
	raw, _ := json.Marshal(data)
	return raw
}

var (
	departments = []string{"LSPD", "BCSO", "SAHP", "LSFD", "EMS", "DOJ"}
	divisions   = []string{"Patrol", "Traffic", "K9", "Air Support", "Detectives", "SWAT"}
	ranks       = []string{"Cadet", "Officer", "Senior Officer", "Corporal", "Sergeant", "Lieutenant"}
	quals       = []string{"FTO", "Pursuit", "Marksman", "Negotiator", "Dispatcher", "Paramedic"}
)

func (f *Factory) fieldValue(field string, createdAt time.Time) string {
	pick := func(options []string) string { return options[f.rng.Intn(len(options))] }
	switch {
	case field == "character_name":
		return f.faker.FirstName() + " " + f.faker.LastName()
	case strings.HasSuffix(field, "department"):
		return pick(departments)
	case strings.HasSuffix(field, "division"):
		return pick(divisions)
	case strings.HasSuffix(field, "rank"):
		return pick(ranks)
	case field == "qualification":
		return pick(quals)
	case field == "start_date":
		return createdAt.AddDate(0, 0, f.rng.Intn(7)+1).Format(time.DateOnly)
	case field == "end_date":
		return createdAt.AddDate(0, 0, f.rng.Intn(21)+8).Format(time.DateOnly)
	default:
		return f.faker.Sentence(12)
	}
}

// CreateApplication persists app together with its history.
func (f *Factory) CreateApplication(app *models.Application) error {
	if f.opts.DryRun {
		f.nextID++
		app.ID = f.nextID
		return nil
	}
	if err := f.db.Create(app).Error; err != nil {
		return fmt.Errorf("create %s application: %w", app.Type, err)
	}
	return nil
}
