// Package replay tracks one-time-use SAML identifiers: outstanding
// AuthnRequest IDs awaiting their response, and assertion IDs that have
// already been consumed. Both classes expire; neither may be observed
// twice.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/tower/config"
)

// Stats reports store occupancy for the admin surface.
type Stats struct {
	PendingRequests int   `json:"pending_requests"`
	SeenAssertions  int   `json:"seen_assertions"`
	MaxEntries      int   `json:"max_entries,omitempty"`
	Evictions       int64 `json:"evictions,omitempty"`
}

// Store tracks one-time-use identifiers. Implementations fail closed:
// an error from any method aborts the login attempt rather than letting
// a possibly replayed message through.
type Store interface {
	// SaveRequest records an outstanding AuthnRequest ID at login time.
	SaveRequest(ctx context.Context, id string) error

	// TakeRequest consumes an outstanding request ID, reporting whether
	// it was present. Each ID can be taken exactly once.
	TakeRequest(ctx context.Context, id string) (bool, error)

	// MarkAssertion records a consumed assertion ID, reporting whether
	// it was fresh. False means the assertion was already consumed.
	MarkAssertion(ctx context.Context, id string) (bool, error)

	// Stats reports current occupancy.
	Stats() Stats
}

// New builds the store named by cfg. Request IDs live for cfg.TTL;
// assertion IDs are remembered for sessionTTL so a stolen assertion
// cannot be replayed while its session would still be valid. The redis
// store requires a connected client.
func New(cfg config.ReplayConfig, client *redis.Client, sessionTTL time.Duration) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemory(cfg.MaxEntries, cfg.TTL, sessionTTL), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("replay: redis store requires redis.address")
		}
		return NewRedis(client, cfg.TTL, sessionTTL), nil
	default:
		return nil, fmt.Errorf("replay: unknown store %q", cfg.Store)
	}
}
