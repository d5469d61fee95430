package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threadhive/dispatch/pkg/logging"
)

// Cooldowns mirrors per-account cooldowns in redis with a TTL matching the
// account's cooldown window. Advisory only: Postgres last_sent_at remains
// the authoritative record, so a missing key just falls through to it.
type Cooldowns struct {
	client *redis.Client
	logger *logging.Logger
}

// NewCooldowns creates the mirror. client may be nil (mirror disabled).
func NewCooldowns(client *redis.Client, logger *logging.Logger) *Cooldowns {
	if logger == nil {
		logger = logging.Default()
	}
	return &Cooldowns{client: client, logger: logger}
}

func cooldownKey(pipelineID int64, account string) string {
	return fmt.Sprintf("dispatch:cooldown:%d:%s", pipelineID, account)
}

// MarkSent records a send, expiring when the cooldown window closes.
func (c *Cooldowns) MarkSent(ctx context.Context, pipelineID int64, account string, window time.Duration) {
	if c == nil || c.client == nil || window <= 0 {
		return
	}
	key := cooldownKey(pipelineID, account)
	if err := c.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), window).Err(); err != nil {
		c.logger.Warn("cooldown mirror write failed", "key", key, "error", err)
	}
}

// OnCooldown reports whether the account's cooldown key is still live.
// Errors degrade to false so redis trouble never blocks dispatch.
func (c *Cooldowns) OnCooldown(ctx context.Context, pipelineID int64, account string) bool {
	if c == nil || c.client == nil {
		return false
	}
	key := cooldownKey(pipelineID, account)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Warn("cooldown mirror read failed", "key", key, "error", err)
		return false
	}
	return n > 0
}
