package billing

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/gorm"
)

func TestSelectPricePrefersPlatformSpecificRow(t *testing.T) {
	rows := []models.ModelPrice{
		{ID: 1, Platform: "", Model: "m1", InputPricePerMillion: 100, IsEnabled: true},
		{ID: 2, Platform: "openai", Model: "m1", InputPricePerMillion: 200, IsEnabled: true},
	}

	best := SelectPrice(rows, "openai", "m1")
	if best == nil || best.ID != 2 {
		t.Fatalf("expected platform row 2, got %+v", best)
	}
}

func TestSelectPriceFallsBackToAnyPlatform(t *testing.T) {
	rows := []models.ModelPrice{
		{ID: 1, Platform: "", Model: "m1", InputPricePerMillion: 100, IsEnabled: true},
		{ID: 2, Platform: "claude", Model: "m1", InputPricePerMillion: 200, IsEnabled: true},
	}

	best := SelectPrice(rows, "gemini", "m1")
	if best == nil || best.ID != 1 {
		t.Fatalf("expected any-platform row 1, got %+v", best)
	}
}

func TestSelectPriceNewerRowWinsOnTies(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	rows := []models.ModelPrice{
		{ID: 1, Model: "m1", InputPricePerMillion: 100, IsEnabled: true, UpdatedAt: older},
		{ID: 2, Model: "m1", InputPricePerMillion: 150, IsEnabled: true, UpdatedAt: newer},
	}

	best := SelectPrice(rows, "", "m1")
	if best == nil || best.ID != 2 {
		t.Fatalf("expected newer row 2, got %+v", best)
	}
}

func TestCostMicrosFromTable(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	price := models.ModelPrice{
		Platform:              "openai",
		Model:                 "m1",
		InputPricePerMillion:  3_000_000, // 3.00 per million input tokens
		OutputPricePerMillion: 15_000_000,
		IsEnabled:             true,
	}
	if errCreate := conn.Create(&price).Error; errCreate != nil {
		t.Fatalf("seed price: %v", errCreate)
	}

	pricer := NewPricer(conn)
	cost := pricer.CostMicros(context.Background(), "openai", "m1", 1000, 500)
	// 1000 * 3 + 500 * 15 = 10500 micros
	if cost != 10_500 {
		t.Fatalf("cost = %d, want 10500", cost)
	}

	if unknown := pricer.CostMicros(context.Background(), "openai", "unpriced", 1000, 500); unknown != 0 {
		t.Fatalf("unknown model cost = %d, want 0", unknown)
	}
}
