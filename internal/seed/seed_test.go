package seed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rpportal/internal/database"
	"rpportal/internal/models"
	"rpportal/internal/validation"
	"rpportal/internal/workflow"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestBuildApplication_HistoryFollowsStateMachine(t *testing.T) {
	catalog := workflow.DefaultCatalog()
	f := NewFactory(nil, catalog, Options{DryRun: true, RandSeed: 42})
	reviewers := []uuid.UUID{uuid.New(), uuid.New()}
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, spec := range catalog.Types() {
		for i := 0; i < 25; i++ {
			app := f.BuildApplication(uuid.New(), spec, created, reviewers)

			if errs := validation.ValidateApplicationData(app.Data, spec.RequiredFields); len(errs) > 0 {
				t.Fatalf("%s data invalid: %v", spec.Type, errs)
			}
			if app.StatusHistory[0].Status != models.ApplicationStatusPending || app.StatusHistory[0].Sequence != 1 {
				t.Fatalf("%s history must start pending at sequence 1, got %+v", spec.Type, app.StatusHistory[0])
			}
			for j := 1; j < len(app.StatusHistory); j++ {
				prev, next := app.StatusHistory[j-1], app.StatusHistory[j]
				if err := workflow.ValidateTransition(spec, prev.Status, next.Status); err != nil {
					t.Fatalf("%s illegal step %s -> %s", spec.Type, prev.Status, next.Status)
				}
				if next.Sequence != j+1 {
					t.Fatalf("sequence gap: got %d want %d", next.Sequence, j+1)
				}
				if !next.Date.After(prev.Date) {
					t.Fatalf("history dates must increase")
				}
			}
			if got := app.LatestEntry().Status; got != app.Status {
				t.Fatalf("status %s does not match latest entry %s", app.Status, got)
			}
		}
	}
}

func TestBuildApplication_NoReviewersStaysPending(t *testing.T) {
	f := NewFactory(nil, nil, Options{DryRun: true, RandSeed: 7})
	spec, _ := workflow.DefaultCatalog().Lookup(models.ApplicationTypeEntry)
	app := f.BuildApplication(uuid.New(), spec, time.Now(), nil)
	if app.Status != models.ApplicationStatusPending || len(app.StatusHistory) != 1 {
		t.Fatalf("expected untouched pending application, got %s with %d entries", app.Status, len(app.StatusHistory))
	}
}

func TestSeed_DryRunAssignsSyntheticIDs(t *testing.T) {
	s := NewSeeder(nil, nil, Options{DryRun: true, Authors: 3, PerAuthor: 2, RandSeed: 1})
	summary, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(summary.Authors) != 3 {
		t.Fatalf("expected 3 authors, got %d", len(summary.Authors))
	}
	if summary.Applications == 0 || summary.Applications > 12 {
		t.Fatalf("unexpected application count %d", summary.Applications)
	}
	if s.factory.nextID != 1000+uint(summary.Applications) {
		t.Fatalf("synthetic ids not assigned: next=%d", s.factory.nextID)
	}
}

func TestSeed_RespectsMonthlyCaps(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	s := NewSeeder(db, nil, Options{Authors: 4, PerAuthor: 12, RandSeed: 99, Now: now})

	summary, err := s.Seed(context.Background())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var stored int64
	if err := db.Model(&models.Application{}).Count(&stored).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if int(stored) != summary.Applications {
		t.Fatalf("stored %d applications, summary says %d", stored, summary.Applications)
	}

	var apps []models.Application
	if err := db.Preload("StatusHistory").Find(&apps).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	type bucket struct {
		author uuid.UUID
		typ    models.ApplicationType
		period time.Time
	}
	counts := make(map[bucket]int)
	for _, app := range apps {
		if app.CreatedAt.After(now) {
			t.Fatalf("application created in the future: %s", app.CreatedAt)
		}
		if len(app.StatusHistory) == 0 {
			t.Fatalf("application %d stored without history", app.ID)
		}
		var data map[string]any
		if err := json.Unmarshal(app.Data, &data); err != nil {
			t.Fatalf("data not an object: %v", err)
		}
		counts[bucket{app.AuthorID, app.Type, workflow.PeriodStart(app.CreatedAt)}]++
	}

	catalog := workflow.DefaultCatalog()
	for b, n := range counts {
		spec, _ := catalog.Lookup(b.typ)
		if spec.Limited() && n > spec.MonthlyCap {
			t.Fatalf("%s exceeded cap for %s: %d > %d", b.author, b.typ, n, spec.MonthlyCap)
		}
	}
}

func TestClearAll(t *testing.T) {
	db := openTestDB(t)
	s := NewSeeder(db, nil, Options{Authors: 2, PerAuthor: 2, RandSeed: 3})
	if _, err := s.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.ClearAll(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	var apps, history int64
	db.Model(&models.Application{}).Count(&apps)
	db.Model(&models.ApplicationStatusEntry{}).Count(&history)
	if apps != 0 || history != 0 {
		t.Fatalf("expected empty tables, got %d applications and %d history rows", apps, history)
	}
}
