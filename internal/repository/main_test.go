package repository

import (
	"testing"
	"time"

	"rpportal/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens an in-memory SQLite database with the application schema.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Application{}, &models.ApplicationStatusEntry{}, &models.Notification{}))
	return db
}

// setupMockDB creates a GORM *gorm.DB backed by sqlmock for unit tests.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func newApplication(author uuid.UUID, appType models.ApplicationType, at time.Time) *models.Application {
	return &models.Application{
		AuthorID:  author,
		Type:      appType,
		Status:    models.ApplicationStatusPending,
		Data:      datatypes.JSON(`{"reason":"ready"}`),
		CreatedAt: at,
		UpdatedAt: at,
		StatusHistory: []models.ApplicationStatusEntry{{
			Sequence: 1,
			Status:   models.ApplicationStatusPending,
			Date:     at,
		}},
	}
}
