package models

import "time"

// ModelPrice defines the per-token unit rate for a platform/model pair.
//
// Token prices are micros per 1,000,000 tokens, so cost in micros equals
// price_per_million multiplied by the token count divided by one million.
type ModelPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Platform string `gorm:"type:varchar(32);index"` // Platform filter, empty matches any.
	Model    string `gorm:"type:text;not null;index"` // Model name.

	InputPricePerMillion  int64 `gorm:"not null;default:0"` // Input token price, micros per million.
	OutputPricePerMillion int64 `gorm:"not null;default:0"` // Output token price, micros per million.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the price row is active.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
