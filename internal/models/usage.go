package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage records metering data for a single dispatch attempt.
//
// One row is written per attempt that reached a provider, including failed
// attempts, so the audit trail covers the full failover history.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:varchar(64);index"` // Logical request correlation ID.

	GroupID   uint64  `gorm:"not null;index"` // Billing group ID.
	UserID    *uint64 `gorm:"index"`          // Requesting user ID.
	AccountID *uint64 `gorm:"index"`          // Provider account used.

	Platform string `gorm:"type:text;not null;index"` // Provider platform.
	Model    string `gorm:"type:text;not null;index"` // Model name.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Failure flag.

	ErrorStatusCode *int           `gorm:"index"`      // HTTP status code for failed attempts.
	ErrorDetail     datatypes.JSON `gorm:"type:jsonb"` // Structured error detail JSON.

	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	CostMicros int64 `gorm:"not null;default:0"` // Cost in micros.
	DurationMs int64 `gorm:"not null;default:0"` // Attempt duration in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
