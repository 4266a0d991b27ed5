package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/logger"
)

const statusKeyPrefix = "mailing:status:"

// StatusCache keeps short-lived MailingStatus snapshots in Redis so a
// polling dashboard does not hammer the counts query. A nil *StatusCache is
// a disabled cache: Get always misses, Put is a no-op.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewStatusCache(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if rdb == nil || ttl <= 0 {
		return nil
	}
	return &StatusCache{
		rdb: rdb,
		ttl: ttl,
		log: logger.Component("status-cache"),
	}
}

func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (*MailingStatus, bool) {
	if c == nil {
		return nil, false
	}

	raw, err := c.rdb.Get(ctx, statusKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug().Err(err).Msg("status cache read failed")
		}
		return nil, false
	}

	var snap MailingStatus
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Put is best effort; a cache write failure never fails the request.
func (c *StatusCache) Put(ctx context.Context, id uuid.UUID, snap *MailingStatus) {
	if c == nil {
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, statusKey(id), raw, c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("status cache write failed")
	}
}

func statusKey(id uuid.UUID) string {
	return statusKeyPrefix + id.String()
}
