package allocator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newTestAllocator(t *testing.T) (*Allocator, *gorm.DB) {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewAllocator(conn), conn
}

func seedMember(t *testing.T, conn *gorm.DB, userID uint64, entityID string) {
	t.Helper()
	member := models.GroupMember{GroupID: 1, UserID: userID, EntityID: entityID, IsActive: true}
	if errCreate := conn.Create(&member).Error; errCreate != nil {
		t.Fatalf("seed member: %v", errCreate)
	}
}

func seedUsage(t *testing.T, conn *gorm.DB, userID uint64, tokens, costMicros int64) {
	t.Helper()
	row := models.Usage{
		RequestID:   "req",
		GroupID:     1,
		UserID:      &userID,
		Platform:    "openai",
		Model:       "m1",
		RequestedAt: periodStart.Add(time.Hour),
		TotalTokens: tokens,
		CostMicros:  costMicros,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed usage: %v", errCreate)
	}
}

func decodeShares(t *testing.T, report *models.AllocationReport) map[string]int64 {
	t.Helper()
	var shares []Share
	if errDecode := json.Unmarshal(report.Shares, &shares); errDecode != nil {
		t.Fatalf("decode shares: %v", errDecode)
	}
	byEntity := make(map[string]int64, len(shares))
	var sum int64
	for _, share := range shares {
		byEntity[share.EntityID] = share.CostMicros
		sum += share.CostMicros
	}
	if sum != report.TotalCostMicros {
		t.Fatalf("shares sum %d != total %d", sum, report.TotalCostMicros)
	}
	return byEntity
}

func TestEqualSplitAbsorbsRemainder(t *testing.T) {
	allocator, conn := newTestAllocator(t)
	seedMember(t, conn, 1, "dept-a")
	seedMember(t, conn, 2, "dept-b")
	seedMember(t, conn, 3, "dept-c")
	seedUsage(t, conn, 1, 100, 1000)

	rule := &models.AllocationRule{GroupID: 1, Type: models.AllocationEqual}
	report, errAllocate := allocator.AllocateCosts(context.Background(), 1, rule, periodStart, periodEnd)
	if errAllocate != nil {
		t.Fatalf("allocate: %v", errAllocate)
	}

	shares := decodeShares(t, report)
	// 1000 does not divide by three; the last entity in key order absorbs.
	if shares["dept-a"] != 333 || shares["dept-b"] != 333 || shares["dept-c"] != 334 {
		t.Fatalf("unexpected equal split: %v", shares)
	}
}

func TestUsageBasedSplitFollowsTokens(t *testing.T) {
	allocator, conn := newTestAllocator(t)
	seedMember(t, conn, 1, "dept-a")
	seedMember(t, conn, 2, "dept-b")
	seedUsage(t, conn, 1, 900, 600)
	seedUsage(t, conn, 2, 100, 400)

	rule := &models.AllocationRule{GroupID: 1, Type: models.AllocationUsageBased}
	report, errAllocate := allocator.AllocateCosts(context.Background(), 1, rule, periodStart, periodEnd)
	if errAllocate != nil {
		t.Fatalf("allocate: %v", errAllocate)
	}

	shares := decodeShares(t, report)
	if shares["dept-a"] != 900 || shares["dept-b"] != 100 {
		t.Fatalf("unexpected usage split of 1000: %v", shares)
	}
}

func TestUserCountSplitWeighsHeadcount(t *testing.T) {
	allocator, conn := newTestAllocator(t)
	seedMember(t, conn, 1, "dept-a")
	seedMember(t, conn, 2, "dept-a")
	seedMember(t, conn, 3, "dept-a")
	seedMember(t, conn, 4, "dept-b")
	seedUsage(t, conn, 1, 100, 4000)

	rule := &models.AllocationRule{GroupID: 1, Type: models.AllocationUserCount}
	report, errAllocate := allocator.AllocateCosts(context.Background(), 1, rule, periodStart, periodEnd)
	if errAllocate != nil {
		t.Fatalf("allocate: %v", errAllocate)
	}

	shares := decodeShares(t, report)
	if shares["dept-a"] != 3000 || shares["dept-b"] != 1000 {
		t.Fatalf("unexpected headcount split: %v", shares)
	}
}

func TestCustomWeightSplitValidatesWeights(t *testing.T) {
	allocator, conn := newTestAllocator(t)
	seedMember(t, conn, 1, "dept-a")
	seedUsage(t, conn, 1, 100, 1000)

	rule := &models.AllocationRule{
		GroupID:    1,
		Type:       models.AllocationCustomWeight,
		Parameters: datatypes.JSON(`{"weights": {"dept-a": 3, "dept-b": 1}}`),
	}
	report, errAllocate := allocator.AllocateCosts(context.Background(), 1, rule, periodStart, periodEnd)
	if errAllocate != nil {
		t.Fatalf("allocate: %v", errAllocate)
	}
	shares := decodeShares(t, report)
	if shares["dept-a"] != 750 || shares["dept-b"] != 250 {
		t.Fatalf("unexpected weighted split: %v", shares)
	}

	negative := &models.AllocationRule{
		GroupID:    1,
		Type:       models.AllocationCustomWeight,
		Parameters: datatypes.JSON(`{"weights": {"dept-a": -1}}`),
	}
	if _, errNegative := allocator.AllocateCosts(context.Background(), 1, negative, periodStart, periodEnd); errNegative == nil {
		t.Fatalf("negative weights must be rejected")
	}
}

func TestSplitCostExactReconciliation(t *testing.T) {
	weights := map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1, "g": 1}
	totals := []int64{0, 1, 6, 7, 999_999_999, 1_000_000_000_000_001}
	for _, total := range totals {
		shares := SplitCost(total, weights)
		var sum int64
		for _, share := range shares {
			sum += share.CostMicros
		}
		if sum != total {
			t.Fatalf("total %d: shares sum to %d", total, sum)
		}
	}
}

func TestUsageOutsidePeriodIgnored(t *testing.T) {
	allocator, conn := newTestAllocator(t)
	seedMember(t, conn, 1, "dept-a")
	seedUsage(t, conn, 1, 100, 1000)

	outside := models.Usage{
		RequestID:   "req-old",
		GroupID:     1,
		Platform:    "openai",
		Model:       "m1",
		RequestedAt: periodStart.Add(-time.Hour),
		TotalTokens: 100,
		CostMicros:  5000,
	}
	if errCreate := conn.Create(&outside).Error; errCreate != nil {
		t.Fatalf("seed outside usage: %v", errCreate)
	}

	rule := &models.AllocationRule{GroupID: 1, Type: models.AllocationEqual}
	report, errAllocate := allocator.AllocateCosts(context.Background(), 1, rule, periodStart, periodEnd)
	if errAllocate != nil {
		t.Fatalf("allocate: %v", errAllocate)
	}
	if report.TotalCostMicros != 1000 {
		t.Fatalf("total = %d, want only in-period cost 1000", report.TotalCostMicros)
	}
}
