package models

import (
	"time"

	"gorm.io/datatypes"
)

// AllocationRuleType selects the cost distribution formula.
type AllocationRuleType string

// Allocation rule types.
const (
	// AllocationEqual splits total cost evenly across entities.
	AllocationEqual AllocationRuleType = "equal"
	// AllocationUsageBased splits proportionally to summed token usage.
	AllocationUsageBased AllocationRuleType = "usage_based"
	// AllocationUserCount splits proportionally to active member counts.
	AllocationUserCount AllocationRuleType = "user_count"
	// AllocationCustomWeight splits by externally supplied weights.
	AllocationCustomWeight AllocationRuleType = "custom_weight"
)

// Valid reports whether the rule type is a known value.
func (t AllocationRuleType) Valid() bool {
	switch t {
	case AllocationEqual, AllocationUsageBased, AllocationUserCount, AllocationCustomWeight:
		return true
	}
	return false
}

// AllocationRule configures how a group's period cost is split for reporting.
type AllocationRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID uint64             `gorm:"not null;index"`            // Group the rule applies to.
	Type    AllocationRuleType `gorm:"type:varchar(32);not null"` // Distribution formula.

	Parameters datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Formula parameters (e.g. custom weights).

	IsEnabled bool `gorm:"not null;default:true"` // Whether the rule is active.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AllocationReport stores one computed allocation run for a closed period.
type AllocationReport struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID  uint64             `gorm:"not null;index"`            // Group the report covers.
	RuleType AllocationRuleType `gorm:"type:varchar(32);not null"` // Formula used for the run.

	PeriodStart time.Time `gorm:"not null;index"` // Inclusive period start.
	PeriodEnd   time.Time `gorm:"not null"`       // Exclusive period end.

	TotalCostMicros int64          `gorm:"not null;default:0"`  // Total cost distributed.
	Shares          datatypes.JSON `gorm:"type:jsonb;not null"` // Per-entity shares in micros.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
