package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:             "8375",
		Env:              "development",
		JWTSecret:        "secure-secret-at-least-32-chars-long",
		JWTReviewerRoles: "reviewer,admin",
		DBPassword:       "secure-password",
		DBSSLMode:        "disable",
		DBSchemaMode:     "hybrid",
	}
}

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Env = tt.env
			c.DBSSLMode = tt.sslMode

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Missing port", func(c *Config) { c.Port = "" }},
		{"Missing JWT secret", func(c *Config) { c.JWTSecret = "" }},
		{"No reviewer roles", func(c *Config) { c.JWTReviewerRoles = " , " }},
		{"Negative cache TTL", func(c *Config) { c.ApplicationCacheTTLSeconds = -1 }},
		{"Negative Discord rate", func(c *Config) { c.DiscordRatePerMinute = -5 }},
		{"Sampler out of range", func(c *Config) { c.TracingSamplerRatio = 1.5 }},
		{"Unknown schema mode", func(c *Config) { c.DBSchemaMode = "yolo" }},
		{"Default secret in production", func(c *Config) {
			c.Env = "production"
			c.DBSSLMode = "require"
			c.JWTSecret = defaultJWTSecret
		}},
		{"Weak DB password in production", func(c *Config) {
			c.Env = "production"
			c.DBSSLMode = "require"
			c.DBPassword = "password"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())
}

func TestConfig_ReviewerRoles(t *testing.T) {
	c := &Config{JWTReviewerRoles: " Reviewer, admin ,,staff"}
	assert.Equal(t, []string{"reviewer", "admin", "staff"}, c.ReviewerRoles())
}

func TestLoadConfig_EnvOverridesAndNormalization(t *testing.T) {
	defer viper.Reset()

	t.Setenv("APP_ENV", "test")
	t.Setenv("DB_SSLMODE", "  DISABLE  ")
	t.Setenv("DB_SCHEMA_MODE", " SQL ")
	t.Setenv("APPLICATION_SUBMISSION_LOCK", "false")
	t.Setenv("DISCORD_RATE_PER_MINUTE", "10")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", cfg.DBSSLMode)
	assert.Equal(t, "sql", cfg.DBSchemaMode)
	assert.False(t, cfg.ApplicationSubmissionLock)
	assert.Equal(t, 10, cfg.DiscordRatePerMinute)
	assert.Equal(t, "authenticated", cfg.JWTAudience)
	assert.Equal(t, 60, cfg.ApplicationCacheTTLSeconds)
}
