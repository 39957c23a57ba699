package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rpportal/internal/config"
	"rpportal/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

func setupAuth(t *testing.T) {
	t.Helper()
	prev := cfg
	InitMiddleware(&config.Config{
		JWTSecret:        testSecret,
		JWTAudience:      "authenticated",
		JWTReviewerRoles: "reviewer,admin",
	})
	t.Cleanup(func() { cfg = prev })
}

func authApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", AuthRequired, func(c *fiber.Ctx) error {
		uid, _ := CurrentUserID(c)
		return c.JSON(fiber.Map{"user_id": uid.String(), "reviewer": IsReviewer(c)})
	})
	app.Get("/review", AuthRequired, ReviewerRequired, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/ws", WebSocketAuthRequired, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestAuthRequired(t *testing.T) {
	setupAuth(t)
	app := authApp()
	userID := uuid.New()

	member, err := SignToken(testSecret, "authenticated", userID, "", time.Hour)
	require.NoError(t, err)
	reviewer, err := SignToken(testSecret, "authenticated", userID, "Reviewer", time.Hour)
	require.NoError(t, err)
	wrongAudience, err := SignToken(testSecret, "service_role", userID, "", time.Hour)
	require.NoError(t, err)
	expired, err := SignToken(testSecret, "authenticated", userID, "", -time.Minute)
	require.NoError(t, err)
	wrongSecret, err := SignToken("another-secret-another-secret-12345", "authenticated", userID, "", time.Hour)
	require.NoError(t, err)
	numericSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42", "aud": "authenticated", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name         string
		header       string
		wantStatus   int
		wantReviewer bool
	}{
		{"Missing header", "", http.StatusUnauthorized, false},
		{"Malformed header", "Token abc", http.StatusUnauthorized, false},
		{"Member token", "Bearer " + member, http.StatusOK, false},
		{"Reviewer token", "Bearer " + reviewer, http.StatusOK, true},
		{"Wrong audience", "Bearer " + wrongAudience, http.StatusUnauthorized, false},
		{"Expired token", "Bearer " + expired, http.StatusUnauthorized, false},
		{"Wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized, false},
		{"Non-UUID subject", "Bearer " + numericSub, http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusOK {
				var body struct {
					UserID   string `json:"user_id"`
					Reviewer bool   `json:"reviewer"`
				}
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, userID.String(), body.UserID)
				assert.Equal(t, tt.wantReviewer, body.Reviewer)
			} else {
				var body models.ErrorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, models.CodeUnauthorized, body.Code)
			}
		})
	}
}

func TestReviewerRequired(t *testing.T) {
	setupAuth(t)
	app := authApp()

	member, _ := SignToken(testSecret, "authenticated", uuid.New(), "", time.Hour)
	admin, _ := SignToken(testSecret, "authenticated", uuid.New(), "admin", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/review", nil)
	req.Header.Set("Authorization", "Bearer "+member)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/review", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWebSocketAuthRequired_QueryToken(t *testing.T) {
	setupAuth(t)
	app := authApp()
	token, _ := SignToken(testSecret, "authenticated", uuid.New(), "", time.Hour)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoleFromClaims(t *testing.T) {
	assert.Equal(t, "admin", roleFromClaims(jwt.MapClaims{
		"role":         "authenticated",
		"app_metadata": map[string]interface{}{"role": "Admin"},
	}))
	assert.Equal(t, "reviewer", roleFromClaims(jwt.MapClaims{"user_role": "reviewer", "role": "authenticated"}))
	assert.Equal(t, "authenticated", roleFromClaims(jwt.MapClaims{"role": "authenticated"}))
	assert.Equal(t, "", roleFromClaims(jwt.MapClaims{}))
}

func TestCheckRateLimit(t *testing.T) {
	t.Run("Development bypass", func(t *testing.T) {
		t.Setenv("APP_ENV", "development")
		allowed, err := CheckRateLimit(t.Context(), nil, "applications", "user:1", 1, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Nil redis in production", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		allowed, err := CheckRateLimit(t.Context(), nil, "applications", "user:1", 1, time.Minute)
		assert.Error(t, err)
		assert.False(t, allowed)
	})

	t.Run("Window budget", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()

		for i := 0; i < 2; i++ {
			allowed, err := CheckRateLimit(t.Context(), rdb, "applications", "user:1", 2, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
		}
		allowed, err := CheckRateLimit(t.Context(), rdb, "applications", "user:1", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)

		mr.FastForward(time.Minute + time.Second)
		allowed, err = CheckRateLimit(t.Context(), rdb, "applications", "user:1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestRateLimitWithPolicy(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	app := fiber.New()
	app.Post("/open", RateLimit(nil, 1, time.Minute, "open"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	app.Post("/closed", RateLimitWithPolicy(nil, 1, time.Minute, FailClosed, "closed"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/closed", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
