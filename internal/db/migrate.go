package db

import (
	"fmt"

	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for all routing entities.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Group{},
		&models.GroupMember{},
		&models.ResourceBinding{},
		&models.ProviderAccount{},
		&models.ModelConfig{},
		&models.ModelPrice{},
		&models.FailoverLog{},
		&models.Usage{},
		&models.AllocationRule{},
		&models.AllocationReport{},
		&models.APIKey{},
		&models.Setting{},
	)
}
