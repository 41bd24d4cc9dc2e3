// Package store keeps the small amount of routing state that must outlive a
// single request: round-robin cursors, account last-used stamps, and the
// failover/failback state per group and service type.
//
// Multi-node deployments use the Redis implementation so cursors and
// cooldown timers are shared; tests and single-node deployments use the
// in-memory implementation with explicit expiry.
package store

import (
	"context"
	"time"
)

// FailoverState is the per-(group, serviceType) state shared across requests.
type FailoverState struct {
	// Tier is the active fallback chain position; 0 means primary.
	Tier int `json:"tier"`
	// PinnedTier is a manual override for hybrid-trigger configurations.
	PinnedTier *int `json:"pinned_tier,omitempty"`
	// PrimaryHealthySince marks when the primary's health last rose above
	// its threshold; zero when the primary is currently degraded.
	PrimaryHealthySince *time.Time `json:"primary_healthy_since,omitempty"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore persists cross-request routing state.
type StateStore interface {
	// NextCursor atomically advances the round-robin pointer for a group
	// and service type and returns the new value.
	NextCursor(ctx context.Context, groupID uint64, serviceType string) (uint64, error)

	// TouchAccount stamps the account as used at the given time.
	TouchAccount(ctx context.Context, accountID uint64, at time.Time) error

	// LastUsed returns the account's last-used stamp, zero when unknown.
	LastUsed(ctx context.Context, accountID uint64) (time.Time, error)

	// LoadFailoverState returns the failover state, zero value when absent.
	LoadFailoverState(ctx context.Context, groupID uint64, serviceType string) (FailoverState, error)

	// SaveFailoverState stores the failover state with the given expiry.
	SaveFailoverState(ctx context.Context, groupID uint64, serviceType string, state FailoverState, ttl time.Duration) error
}
