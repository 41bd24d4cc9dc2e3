package models

import "time"

// FailoverReason classifies why the chain advanced past a candidate.
type FailoverReason string

// Failover reasons recorded in the audit log.
const (
	// ReasonHealthDegraded marks a health score below the configured threshold.
	ReasonHealthDegraded FailoverReason = "health_degraded"
	// ReasonQuotaExceeded marks an admission rejection on the candidate.
	ReasonQuotaExceeded FailoverReason = "quota_exceeded"
	// ReasonProviderError marks an upstream error response.
	ReasonProviderError FailoverReason = "provider_error"
	// ReasonTimeout marks an attempt that exceeded the per-attempt timeout.
	ReasonTimeout FailoverReason = "timeout"
)

// FailoverLog is an append-only audit record of a single failover step.
//
// Rows are immutable once written and never read on the request hot path.
type FailoverLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID   string `gorm:"type:varchar(64);index"`  // Logical request correlation ID.
	GroupID     uint64 `gorm:"not null;index"`          // Group the request belonged to.
	ServiceType string `gorm:"type:varchar(32);index"`  // Service type of the request.

	FromModel string  `gorm:"type:text;not null"` // Model that failed.
	ToModel   string  `gorm:"type:text"`          // Next model tried, empty when exhausted.
	AccountID *uint64 `gorm:"index"`              // Account the failed attempt used.

	Reason  FailoverReason `gorm:"type:varchar(32);not null;index"` // Failure classification.
	Success bool           `gorm:"not null;default:false"`          // Whether the step recovered the request.

	ErrorMessage   string `gorm:"type:text"`          // Sanitized upstream error message.
	ResponseTimeMs int64  `gorm:"not null;default:0"` // Attempt duration in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
