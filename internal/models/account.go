package models

import (
	"strings"
	"time"
)

// AccountStatus tracks whether a provider account may serve traffic.
type AccountStatus string

// Provider account statuses.
const (
	// AccountEnabled marks an account as eligible for routing.
	AccountEnabled AccountStatus = "enabled"
	// AccountDisabled removes an account from every candidate pool.
	AccountDisabled AccountStatus = "disabled"
	// AccountError marks an account that failed provider-side validation.
	AccountError AccountStatus = "error"
)

// ProviderAccount is a third-party AI provider account in the shared pool.
//
// Credentials are an opaque handle resolved by the dispatch layer; the
// routing core never sees raw provider secrets.
type ProviderAccount struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name     string `gorm:"type:text;not null"`             // Display name.
	Platform string `gorm:"type:varchar(32);not null;index"` // Provider platform (claude/gemini/openai/qwen).

	CredentialRef string `gorm:"type:text;not null"` // Opaque credential handle for the dispatcher.
	BaseURL       string `gorm:"type:text"`          // Optional endpoint override.
	ProxyURL      string `gorm:"type:text"`          // Optional outbound proxy.

	Status AccountStatus `gorm:"type:varchar(16);not null;default:'enabled';index"` // Routing eligibility.

	ServiceTypes string `gorm:"type:text;not null;default:'chat'"` // Comma-separated supported service types.

	Priority       int `gorm:"not null;default:0"`  // Static selection weight, higher first.
	MaxConnections int `gorm:"not null;default:0"`  // Concurrent connection cap, 0 means unlimited.
	RateLimitRPM   int `gorm:"not null;default:0"`  // Per-account requests per minute, 0 means unlimited.

	IsShared bool `gorm:"not null;default:true"` // Whether the account participates in the shared pool.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SupportsServiceType reports whether the account serves the given service type.
func (a *ProviderAccount) SupportsServiceType(serviceType string) bool {
	if a == nil {
		return false
	}
	if strings.TrimSpace(a.ServiceTypes) == "" {
		return serviceType == "chat"
	}
	for _, item := range strings.Split(a.ServiceTypes, ",") {
		if strings.TrimSpace(item) == serviceType {
			return true
		}
	}
	return false
}
