package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const profileKeyPrefix = "profile:"

// ProfileCache keeps public profiles in Redis for ttl.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProfileCache(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *ProfileCache) Get(ctx context.Context, userID string) (*models.Profile, error) {
	data, err := c.client.Get(ctx, profileKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "profileCache.Get")
	}

	var profile models.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, nil
	}
	return &profile, nil
}

func (c *ProfileCache) Set(ctx context.Context, profile models.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return errors.Wrap(c.client.Set(ctx, profileKeyPrefix+profile.ID, data, c.ttl).Err(), "profileCache.Set")
}

func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	return errors.Wrap(c.client.Del(ctx, profileKeyPrefix+userID).Err(), "profileCache.Invalidate")
}
