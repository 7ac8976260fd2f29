package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicerelay/internal/models"
	"voicerelay/internal/redis"

	"github.com/rs/zerolog"
)

const (
	progressChannel = "turn:events"
	progressTTL     = 30 * time.Minute
)

// progressCache mirrors turn progress into Redis so other processes (or a
// restarted one) can observe the pipeline. Every write is also published on
// a pub/sub channel. The cache is strictly observability: a nil client turns
// every method into a no-op and the pipeline works the same.
type progressCache struct {
	client *redis.Client
	log    zerolog.Logger
}

func newProgressCache(client *redis.Client, log zerolog.Logger) *progressCache {
	return &progressCache{client: client, log: log}
}

func progressKey(turnID int64) string {
	return fmt.Sprintf("turn:progress:%d", turnID)
}

func (c *progressCache) save(tp *models.TurnProgress) {
	if c == nil || c.client == nil || tp == nil {
		return
	}
	payload, err := json.Marshal(tp)
	if err != nil {
		c.log.Warn().Err(err).Int64("turn_id", tp.TurnID).Msg("encode turn progress failed")
		return
	}
	ctx := context.Background()
	if err := c.client.Set(ctx, progressKey(tp.TurnID), payload, progressTTL); err != nil {
		c.log.Warn().Err(err).Int64("turn_id", tp.TurnID).Msg("cache turn progress failed")
	}
	if err := c.client.Publish(ctx, progressChannel, payload); err != nil {
		c.log.Warn().Err(err).Int64("turn_id", tp.TurnID).Msg("publish turn progress failed")
	}
}

func (c *progressCache) load(turnID int64) (*models.TurnProgress, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(context.Background(), progressKey(turnID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			c.log.Warn().Err(err).Int64("turn_id", turnID).Msg("load turn progress failed")
		}
		return nil, false
	}
	var tp models.TurnProgress
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		c.log.Warn().Err(err).Int64("turn_id", turnID).Msg("decode turn progress failed")
		return nil, false
	}
	return &tp, true
}
