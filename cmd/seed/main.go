// Command seed populates the database with demo applications.
package main

import (
	"context"
	"flag"
	"log"

	"rpportal/internal/config"
	"rpportal/internal/database"
	"rpportal/internal/seed"
	"rpportal/internal/workflow"
)

func main() {
	authors := flag.Int("authors", 25, "Number of distinct applicants")
	perAuthor := flag.Int("per-author", 4, "Applications attempted per applicant per month")
	reviewers := flag.Int("reviewers", 3, "Number of reviewers acting on applications")
	clean := flag.Bool("clean", false, "Delete existing applications and notifications first")
	dryRun := flag.Bool("dry-run", false, "Build data without writing to the database")
	randSeed := flag.Int64("seed", 0, "Random seed for reproducible data (0 = time based)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	catalog := workflow.DefaultCatalog()
	if cfg.ApplicationCatalogPath != "" {
		if catalog, err = workflow.LoadCatalog(cfg.ApplicationCatalogPath); err != nil {
			log.Fatalf("Failed to load catalog: %v", err)
		}
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db, catalog, seed.Options{
		Authors:       *authors,
		PerAuthor:     *perAuthor,
		ReviewerCount: *reviewers,
		Clean:         *clean,
		DryRun:        *dryRun,
		RandSeed:      *randSeed,
	})

	summary, err := s.Seed(context.Background())
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Printf("Created %d applications for %d applicants", summary.Applications, len(summary.Authors))
	for status, n := range summary.ByStatus {
		log.Printf("  %-15s %d", status, n)
	}
	for _, r := range summary.Reviewers {
		log.Printf("reviewer id: %s", r)
	}
}
