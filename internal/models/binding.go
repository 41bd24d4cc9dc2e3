package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ResourceBinding attaches a group to its eligible account pool and limits.
//
// Admins own every column except the consumed counters, which are only ever
// touched by request traffic through atomic increments and the period
// rollover in the quota enforcer.
type ResourceBinding struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID uint64 `gorm:"not null;index"`     // Owning group ID.
	Group   *Group `gorm:"foreignKey:GroupID"` // Owning group.

	BindingMode BindingMode    `gorm:"type:varchar(16);not null"`        // Pool policy for this binding.
	AccountIDs  datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Bound account IDs for dedicated/exclusive.

	DailyTokenLimit     int64 `gorm:"not null;default:0"` // Daily token cap, 0 means unlimited.
	MonthlyBudgetMicros int64 `gorm:"not null;default:0"` // Monthly budget in micros, 0 means unlimited.

	WarningThreshold int `gorm:"not null;default:80"` // Warning percentage of a limit.
	AlertThreshold   int `gorm:"not null;default:95"` // Alert percentage of a limit.
	PriorityLevel    int `gorm:"not null;default:0"`  // Priority among bindings.

	ConsumedTokensToday  int64 `gorm:"not null;default:0"` // Tokens consumed in the current day.
	ConsumedBudgetMicros int64 `gorm:"not null;default:0"` // Budget consumed in the current month.

	TokenPeriodDay    string `gorm:"type:varchar(10);not null;default:''"` // Day the token counter belongs to (YYYY-MM-DD).
	BudgetPeriodMonth string `gorm:"type:varchar(7);not null;default:''"`  // Month the budget counter belongs to (YYYY-MM).

	IsActive bool `gorm:"not null;default:true"` // One active binding per group.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BoundAccountIDs decodes the bound account ID set.
func (b *ResourceBinding) BoundAccountIDs() []uint64 {
	if b == nil || len(b.AccountIDs) == 0 {
		return nil
	}
	var ids []uint64
	if errUnmarshal := json.Unmarshal(b.AccountIDs, &ids); errUnmarshal != nil {
		return nil
	}
	return ids
}

// SetBoundAccountIDs encodes the bound account ID set.
func (b *ResourceBinding) SetBoundAccountIDs(ids []uint64) error {
	if ids == nil {
		ids = []uint64{}
	}
	payload, errMarshal := json.Marshal(ids)
	if errMarshal != nil {
		return errMarshal
	}
	b.AccountIDs = datatypes.JSON(payload)
	return nil
}
