package engage

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/models"
)

// RedisDedupGuard implements DedupGuard on Redis so duplicate fires are
// suppressed across service instances. SET NX with the kind's window as the
// key TTL gives the check-and-record step in one round trip.
type RedisDedupGuard struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisDedupGuard creates a Redis-backed dedup guard.
func NewRedisDedupGuard(client *redis.Client, logger *zap.Logger) *RedisDedupGuard {
	return &RedisDedupGuard{client: client, logger: logger}
}

func (g *RedisDedupGuard) ShouldAccept(ctx context.Context, e *models.Event) bool {
	key := "dedup:" + models.Fingerprint(e)
	window := models.DedupRuleFor(e.Kind).Window

	set, err := g.client.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		// Fail open: a dedup store outage must not drop events.
		g.logger.Warn("dedup store unavailable, accepting event",
			zap.Error(err),
			zap.String("kind", string(e.Kind)),
		)
		return true
	}
	return set
}
