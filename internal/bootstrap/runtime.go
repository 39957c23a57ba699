// Package bootstrap wires the database and Redis connections shared by the
// server and the command-line tools.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rpportal/internal/cache"
	"rpportal/internal/config"
	"rpportal/internal/database"
	"rpportal/internal/middleware"
	"rpportal/internal/seed"
	"rpportal/internal/workflow"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	ApplySchema bool
	// SeedDemoData populates an empty development database.
	SeedDemoData bool
}

// InitRuntime connects to the database and Redis, optionally applying the
// schema and seeding demo data. A nil Redis client means Redis is unavailable.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if opts.ApplySchema {
		if err := database.ApplySchema(ctx, db, cfg); err != nil {
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemoData {
		if err := seedDevelopmentData(ctx, cfg, db); err != nil {
			return nil, nil, fmt.Errorf("seed demo data: %w", err)
		}
	}

	return db, r, nil
}

func seedDevelopmentData(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || !strings.EqualFold(cfg.Env, "development") {
		return nil
	}

	var existing int64
	if err := db.WithContext(ctx).Table("applications").Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	catalog := workflow.DefaultCatalog()
	if cfg.ApplicationCatalogPath != "" {
		loaded, err := workflow.LoadCatalog(cfg.ApplicationCatalogPath)
		if err != nil {
			return err
		}
		catalog = loaded
	}

	summary, err := seed.NewSeeder(db, catalog, seed.Options{}).Seed(ctx)
	if err != nil {
		return err
	}
	middleware.Logger.Info("development database seeded", slog.Int("applications", summary.Applications))
	return nil
}
