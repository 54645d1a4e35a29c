package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/noah-isme/signalhub-api/pkg/errors"
)

const revokedKeyPrefix = "blacklist:"

// RevocationRepository stores revoked token strings in Redis until they would
// have expired on their own.
type RevocationRepository struct {
	client *redis.Client
}

// NewRevocationRepository constructs a revocation registry. A nil client yields a
// registry that reports itself unavailable on every call.
func NewRevocationRepository(client *redis.Client) *RevocationRepository {
	return &RevocationRepository{client: client}
}

func revokedKey(token string) string {
	return revokedKeyPrefix + token
}

// Add marks token as revoked for ttl.
func (r *RevocationRepository) Add(ctx context.Context, token string, ttl time.Duration) error {
	if r.client == nil {
		return appErrors.ErrUnavailable
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke token: %w", err)
	}
	return nil
}

// Contains reports whether token is currently revoked.
func (r *RevocationRepository) Contains(ctx context.Context, token string) (bool, error) {
	if r.client == nil {
		return false, appErrors.ErrUnavailable
	}
	n, err := r.client.Exists(ctx, revokedKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check revoked token: %w", err)
	}
	return n > 0, nil
}
