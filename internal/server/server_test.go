package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"rpportal/internal/config"
	"rpportal/internal/database"
	"rpportal/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret-that-is-at-least-32-chars"

func testConfig() *config.Config {
	return &config.Config{
		Port:                       "0",
		Env:                        "test",
		JWTSecret:                  testSecret,
		JWTAudience:                "authenticated",
		JWTReviewerRoles:           "reviewer,admin",
		FeatureFlags:               "application_cache=on,realtime_push=on",
		ApplicationSubmissionLock:  true,
		ApplicationCacheTTLSeconds: 60,
	}
}

// setupTestServer builds a Server on an in-memory SQLite database. rdb may be nil.
func setupTestServer(t *testing.T, rdb *redis.Client) *Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))

	s, err := NewServerWithDeps(testConfig(), db, rdb)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.emitter.Wait()
		_ = sqlDB.Close()
	})
	return s
}

func signToken(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, "authenticated", userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// doRequest sends a request through app.Test and returns the status and raw body.
func doRequest(t *testing.T, app *fiber.App, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func entryBody(name string) map[string]any {
	return map[string]any{
		"type": "entry",
		"data": map[string]any{
			"character_name": name,
			"department":     "LSPD",
			"motivation":     "Serve and protect",
		},
	}
}
