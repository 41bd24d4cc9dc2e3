package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// FailoverTrigger controls when the fallback chain advances.
type FailoverTrigger string

// Failover trigger modes.
const (
	// TriggerManual surfaces failures without advancing the chain.
	TriggerManual FailoverTrigger = "manual"
	// TriggerAutomatic advances the chain on failure or degraded health.
	TriggerAutomatic FailoverTrigger = "automatic"
	// TriggerHybrid behaves like automatic but honors a manual override pin.
	TriggerHybrid FailoverTrigger = "hybrid"
)

// SelectionStrategy orders candidates inside the shared pool.
type SelectionStrategy string

// Candidate selection strategies.
const (
	// StrategyPriority orders by static weight, ties broken least-recently-used.
	StrategyPriority SelectionStrategy = "priority"
	// StrategyRoundRobin rotates a persisted pointer per group and service type.
	StrategyRoundRobin SelectionStrategy = "round_robin"
	// StrategyLeastUsed prefers the fewest active connections, ties broken by error rate.
	StrategyLeastUsed SelectionStrategy = "least_used"
)

// ModelConfig holds the routing model policy for a group and service type.
//
// Read-mostly on the hot path; the router caches a snapshot per request.
type ModelConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID     uint64 `gorm:"not null;uniqueIndex:idx_model_configs_group_service,priority:1"`              // Owning group ID.
	ServiceType string `gorm:"type:varchar(32);not null;uniqueIndex:idx_model_configs_group_service,priority:2"` // Service type key (chat, completion).

	PrimaryModel   string         `gorm:"type:text;not null"`               // Preferred model.
	FallbackModels datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Ordered fallback chain.

	FailoverTrigger      FailoverTrigger   `gorm:"type:varchar(16);not null;default:'automatic'"` // Chain advance policy.
	HealthCheckThreshold int               `gorm:"not null;default:60"`                           // Health score floor, 0-100.
	FailbackEnabled      bool              `gorm:"not null;default:true"`                         // Whether to return to the primary after cooldown.
	SelectionStrategy    SelectionStrategy `gorm:"type:varchar(16);not null;default:'priority'"`  // Shared pool ordering.

	MaxRetries           int `gorm:"not null;default:3"`     // Total attempts across one request.
	RequestTimeoutMs     int `gorm:"not null;default:60000"` // Per-attempt dispatch timeout.
	HealthCheckIntervalS int `gorm:"not null;default:60"`    // Health sampling interval in seconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// FallbackChain decodes the ordered fallback model list.
func (c *ModelConfig) FallbackChain() []string {
	if c == nil || len(c.FallbackModels) == 0 {
		return nil
	}
	var chain []string
	if errUnmarshal := json.Unmarshal(c.FallbackModels, &chain); errUnmarshal != nil {
		return nil
	}
	return chain
}

// SetFallbackChain encodes the ordered fallback model list.
func (c *ModelConfig) SetFallbackChain(chain []string) error {
	if chain == nil {
		chain = []string{}
	}
	payload, errMarshal := json.Marshal(chain)
	if errMarshal != nil {
		return errMarshal
	}
	c.FallbackModels = datatypes.JSON(payload)
	return nil
}

// RequestTimeout returns the per-attempt timeout as a duration.
func (c *ModelConfig) RequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
