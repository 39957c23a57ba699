// Package middleware provides authentication, logging, tracing and rate limiting middleware.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"rpportal/internal/config"
	"rpportal/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

// Identity is the authenticated caller extracted from an access token.
type Identity struct {
	UserID   uuid.UUID
	Role     string
	Reviewer bool
}

// AuthRequired enforces a valid bearer token and stores the caller in locals
// ("userID", "userRole", "isReviewer").
func AuthRequired(c *fiber.Ctx) error {
	token, err := bearerToken(c.Get("Authorization"))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(err.Error()))
	}
	return authenticate(c, token)
}

// WebSocketAuthRequired accepts the token from the "token" query parameter,
// falling back to the Authorization header.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		var err error
		if token, err = bearerToken(c.Get("Authorization")); err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError("Token required"))
		}
	}
	return authenticate(c, token)
}

// ReviewerRequired rejects callers without a reviewer role. It must run after AuthRequired.
func ReviewerRequired(c *fiber.Ctx) error {
	if !IsReviewer(c) {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("reviewer role required"))
	}
	return c.Next()
}

// CurrentUserID returns the authenticated user id stored by AuthRequired.
func CurrentUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals("userID").(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// IsReviewer reports whether the authenticated caller may review applications.
func IsReviewer(c *fiber.Ctx) bool {
	ok, _ := c.Locals("isReviewer").(bool)
	return ok
}

func authenticate(c *fiber.Ctx, token string) error {
	id, err := ParseToken(token)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(err.Error()))
	}

	c.Locals("userID", id.UserID)
	c.Locals("userRole", id.Role)
	c.Locals("isReviewer", id.Reviewer)
	c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, id.UserID))
	return c.Next()
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("Authorization header required")
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.New("Invalid authorization header format")
	}
	return parts[1], nil
}

// ParseToken validates an HS256 access token and extracts the caller identity.
// The subject must be a UUID; the role is read from app_metadata.role, then user_role, then role.
func ParseToken(tokenString string) (*Identity, error) {
	if cfg == nil {
		return nil, errors.New("authentication is not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, errors.New("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("Invalid token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("Invalid token structure - missing subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, errors.New("Invalid user ID in token")
	}

	role := roleFromClaims(claims)
	return &Identity{
		UserID:   userID,
		Role:     role,
		Reviewer: role != "" && slices.Contains(cfg.ReviewerRoles(), role),
	}, nil
}

func roleFromClaims(claims jwt.MapClaims) string {
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		if role, ok := meta["role"].(string); ok && role != "" {
			return strings.ToLower(role)
		}
	}
	for _, key := range []string{"user_role", "role"} {
		if role, ok := claims[key].(string); ok && role != "" {
			return strings.ToLower(role)
		}
	}
	return ""
}

// SignToken issues an HS256 token in the identity provider's shape. It is used
// by the token command and tests.
func SignToken(secret, audience string, userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"role": "authenticated",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if role != "" {
		claims["app_metadata"] = map[string]interface{}{"role": role}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
