package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rpportal/internal/middleware"

	"github.com/redis/go-redis/v9"
)

const (
	ApplicationKeyPrefix = "application:%d"
)

// ApplicationTTL is the default lifetime of a cached application read.
const ApplicationTTL = time.Minute

// ApplicationKey is the cache key of a single application read.
func ApplicationKey(id uint) string {
	return fmt.Sprintf(ApplicationKeyPrefix, id)
}

// Invalidate deletes key and bumps its generation so reads that fetched
// before the invalidation cannot store their result. A missing client is ignored.
func Invalidate(ctx context.Context, key string) {
	if client == nil {
		return
	}
	genKey := generationKey(key)
	if _, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, key)
		return nil
	}); err != nil {
		middleware.Logger.WarnContext(ctx, "cache invalidation failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// InvalidateApplication drops the cached read of application id.
func InvalidateApplication(ctx context.Context, id uint) {
	Invalidate(ctx, ApplicationKey(id))
}
