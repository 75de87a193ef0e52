package service

import (
	"context"

	"github.com/Baaaki/bazaar-inbox/internal/cache"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/pkg/apperr"
	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

// ProfileResolver reads public profiles through an optional Redis cache.
type ProfileResolver struct {
	users *repository.UserRepository
	cache *cache.ProfileCache
}

// NewProfileResolver accepts a nil cache.
func NewProfileResolver(users *repository.UserRepository, profileCache *cache.ProfileCache) *ProfileResolver {
	return &ProfileResolver{users: users, cache: profileCache}
}

func (r *ProfileResolver) Resolve(ctx context.Context, userID string) (*models.Profile, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, userID)
		if err != nil {
			logger.Log.Warn("Profile cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	user, err := r.users.GetAnyByID(ctx, userID)
	if err != nil {
		return nil, apperr.Transient("could not load profile", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}

	profile := user.Profile()
	if r.cache != nil {
		if err := r.cache.Set(ctx, profile); err != nil {
			logger.Log.Warn("Profile cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return &profile, nil
}

// Forget drops a cached profile after the user changed or was banned.
func (r *ProfileResolver) Forget(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		logger.Log.Warn("Profile cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// profileMemo dedupes lookups within one load.
type profileMemo struct {
	resolver *ProfileResolver
	seen     map[string]*models.Profile
}

func (r *ProfileResolver) memo() *profileMemo {
	return &profileMemo{resolver: r, seen: make(map[string]*models.Profile)}
}

// get returns nil when the profile cannot be resolved.
func (m *profileMemo) get(ctx context.Context, userID string) *models.Profile {
	if p, ok := m.seen[userID]; ok {
		return p
	}
	p, err := m.resolver.Resolve(ctx, userID)
	if err != nil {
		logger.Log.Debug("Profile unavailable", zap.String("user_id", userID), zap.Error(err))
		p = nil
	}
	m.seen[userID] = p
	return p
}
