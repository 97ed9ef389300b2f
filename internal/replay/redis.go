package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/tower/internal/logging"
)

// opTimeout bounds each Redis round trip. Logins are human-paced, so a
// generous bound beats rejecting a login over a slow hop.
const opTimeout = 500 * time.Millisecond

const (
	requestPrefix   = "tower:saml:req:"
	assertionPrefix = "tower:saml:asrt:"
)

// Redis is the store for multi-replica deployments, where the ACS answer
// may land on a different replica than the one that issued the request.
type Redis struct {
	client       *redis.Client
	requestTTL   time.Duration
	assertionTTL time.Duration
}

// NewRedis wraps an existing client. The caller owns the connection.
func NewRedis(client *redis.Client, requestTTL, assertionTTL time.Duration) *Redis {
	if requestTTL <= 0 {
		requestTTL = 10 * time.Minute
	}
	if assertionTTL <= 0 {
		assertionTTL = 24 * time.Hour
	}
	return &Redis{
		client:       client,
		requestTTL:   requestTTL,
		assertionTTL: assertionTTL,
	}
}

func (r *Redis) SaveRequest(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Set(ctx, requestPrefix+id, "1", r.requestTTL).Err(); err != nil {
		return fmt.Errorf("replay: save request: %w", err)
	}
	return nil
}

func (r *Redis) TakeRequest(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.client.GetDel(ctx, requestPrefix+id).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay: take request: %w", err)
	}
	return true, nil
}

func (r *Redis) MarkAssertion(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fresh, err := r.client.SetNX(ctx, assertionPrefix+id, "1", r.assertionTTL).Result()
	if err != nil {
		return false, fmt.Errorf("replay: mark assertion: %w", err)
	}
	return fresh, nil
}

func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return Stats{
		PendingRequests: r.countKeys(ctx, requestPrefix+"*"),
		SeenAssertions:  r.countKeys(ctx, assertionPrefix+"*"),
	}
}

func (r *Redis) countKeys(ctx context.Context, pattern string) int {
	var count int
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logging.Warn("replay store scan failed", zap.Error(err))
			return count
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}
