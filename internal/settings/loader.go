// Package settings keeps DB-backed runtime configuration in an atomic
// in-memory snapshot so hot-path readers never touch the database.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/gorm"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates
// the in-memory snapshot.
//
// This is required at process startup; otherwise DBConfigValue() will return
// empty values until an admin updates settings via the API (which triggers
// refresh).
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	maxUpdatedKey := ""
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		rowUpdatedAt := row.UpdatedAt.UTC()
		if rowUpdatedAt.After(maxUpdatedAt) || (rowUpdatedAt.Equal(maxUpdatedAt) && key > maxUpdatedKey) {
			maxUpdatedAt = rowUpdatedAt
			maxUpdatedKey = key
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// FailbackCooldown returns the configured failback cooldown.
func FailbackCooldown() time.Duration {
	seconds := DBConfigInt(FailbackCooldownSecondsKey, DefaultFailbackCooldownSeconds)
	if seconds <= 0 {
		seconds = DefaultFailbackCooldownSeconds
	}
	return time.Duration(seconds) * time.Second
}

// HealthWindow returns the configured health sampling window.
func HealthWindow() time.Duration {
	minutes := DBConfigInt(HealthWindowMinutesKey, DefaultHealthWindowMinutes)
	if minutes <= 0 {
		minutes = DefaultHealthWindowMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// HealthLatencyCeilingMs returns the configured p95 latency ceiling.
func HealthLatencyCeilingMs() int64 {
	ceiling := DBConfigInt(HealthLatencyCeilingMsKey, DefaultHealthLatencyCeilingMs)
	if ceiling <= 0 {
		ceiling = DefaultHealthLatencyCeilingMs
	}
	return int64(ceiling)
}

// DefaultAllocationRuleType returns the configured fallback allocation rule.
func DefaultAllocationRuleType() models.AllocationRuleType {
	rule := models.AllocationRuleType(DBConfigString(DefaultAllocationRuleKey, DefaultAllocationRule))
	if !rule.Valid() {
		return models.AllocationRuleType(DefaultAllocationRule)
	}
	return rule
}
