package models

import "time"

// BindingMode determines which provider accounts a group may use.
type BindingMode string

// Binding modes supported by resource bindings.
const (
	// BindingShared routes through the full shared account pool.
	BindingShared BindingMode = "shared"
	// BindingDedicated restricts the group to a fixed subset of accounts.
	BindingDedicated BindingMode = "dedicated"
	// BindingExclusive pins the group to exactly one account.
	BindingExclusive BindingMode = "exclusive"
)

// Valid reports whether the binding mode is a known value.
func (m BindingMode) Valid() bool {
	switch m {
	case BindingShared, BindingDedicated, BindingExclusive:
		return true
	}
	return false
}

// Group is a sharing group that pools provider accounts under one policy.
type Group struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string      `gorm:"type:text;not null;uniqueIndex"`             // Display name.
	BindingMode BindingMode `gorm:"type:varchar(16);not null;default:'shared'"` // Account pool policy.

	PriorityLevel int  `gorm:"not null;default:0"`     // Scheduling priority among groups.
	MaxMembers    int  `gorm:"not null;default:0"`     // Member cap, 0 means unlimited.
	IsEnabled     bool `gorm:"not null;default:true"`  // Whether the group can route requests.

	Members []GroupMember `gorm:"foreignKey:GroupID"` // Related members.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GroupMember links a user to a sharing group.
type GroupMember struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID uint64 `gorm:"not null;uniqueIndex:idx_group_members_group_user,priority:1"` // Owning group ID.
	UserID  uint64 `gorm:"not null;uniqueIndex:idx_group_members_group_user,priority:2"` // Member user ID.

	EntityID string `gorm:"type:varchar(64);index"` // Optional sub-entity (department) key for allocation.
	IsActive bool   `gorm:"not null;default:true"`  // Whether the membership counts as active.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
