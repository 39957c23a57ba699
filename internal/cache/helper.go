package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"rpportal/internal/middleware"
	"rpportal/internal/observability"

	"github.com/redis/go-redis/v9"
)

// GetJSON attempts to get the key from Redis and unmarshal into dest.
// Returns (true, nil) if found and unmarshaled, (false, nil) if not found.
func GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if client == nil {
		return false, nil
	}
	s, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and sets the key with TTL.
func SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if client == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, b, ttl).Err()
}

// Aside tries Redis first and, on a miss, calls fetch (which must populate
// dest) and stores the result with ttl. Cache failures never fail the read:
// a broken entry or an unreachable Redis falls through to fetch. The result is
// only stored if key was not invalidated while fetch ran.
func Aside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	family := keyFamily(key)

	found, err := GetJSON(ctx, key, dest)
	switch {
	case err != nil:
		observability.CacheLookups.WithLabelValues(family, "error").Inc()
		middleware.Logger.WarnContext(ctx, "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	case found:
		observability.CacheLookups.WithLabelValues(family, "hit").Inc()
		return nil
	default:
		observability.CacheLookups.WithLabelValues(family, "miss").Inc()
	}

	gen, genErr := generation(ctx, key)

	if err := fetch(); err != nil {
		return err
	}

	if genErr != nil {
		return nil
	}
	switch err := setIfCurrent(ctx, key, dest, ttl, gen); {
	case errors.Is(err, errStaleWrite), errors.Is(err, redis.TxFailedErr):
		observability.CacheLookups.WithLabelValues(family, "stale").Inc()
	case err != nil:
		middleware.Logger.WarnContext(ctx, "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}

var errStaleWrite = errors.New("cache entry invalidated during fetch")

// generationTTL bounds how long an idle generation counter is kept.
const generationTTL = 24 * time.Hour

func generationKey(key string) string {
	return key + ":gen"
}

// generation returns the invalidation counter of key; 0 when never invalidated.
func generation(ctx context.Context, key string) (int64, error) {
	if client == nil {
		return 0, nil
	}
	gen, err := client.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// setIfCurrent stores v under key only while key's generation still equals gen.
func setIfCurrent(ctx context.Context, key string, v any, ttl time.Duration, gen int64) error {
	if client == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	genKey := generationKey(key)
	return client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleWrite
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, ttl)
			return nil
		})
		return err
	}, genKey)
}

func keyFamily(key string) string {
	family, _, _ := strings.Cut(key, ":")
	return family
}
