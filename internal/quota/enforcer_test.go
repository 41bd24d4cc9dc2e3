package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/notify"
	"github.com/relaypool/relaypool/internal/routing"
	"gorm.io/gorm"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePublisher) Publish(_ context.Context, event notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestEnforcer(t *testing.T) (*Enforcer, *gorm.DB, *capturePublisher) {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	// A single connection keeps the in-memory database shared and serializes
	// concurrent transactions.
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	publisher := &capturePublisher{}
	enforcer := NewEnforcer(conn, publisher)
	enforcer.SetNowFunc(func() time.Time { return testNow })
	return enforcer, conn, publisher
}

func seedBinding(t *testing.T, conn *gorm.DB, binding models.ResourceBinding) models.ResourceBinding {
	t.Helper()
	if binding.TokenPeriodDay == "" {
		binding.TokenPeriodDay = testNow.Format("2006-01-02")
	}
	if binding.BudgetPeriodMonth == "" {
		binding.BudgetPeriodMonth = testNow.Format("2006-01")
	}
	binding.IsActive = true
	if errCreate := conn.Create(&binding).Error; errCreate != nil {
		t.Fatalf("seed binding: %v", errCreate)
	}
	return binding
}

func reloadBinding(t *testing.T, conn *gorm.DB, id uint64) models.ResourceBinding {
	t.Helper()
	var binding models.ResourceBinding
	if errFind := conn.First(&binding, id).Error; errFind != nil {
		t.Fatalf("reload binding: %v", errFind)
	}
	return binding
}

func TestCheckAndReserveRejectsOverDailyLimit(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:             1,
		BindingMode:         models.BindingShared,
		DailyTokenLimit:     1000,
		ConsumedTokensToday: 950,
	})

	_, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 100, 0)
	if !routing.IsCode(errReserve, routing.CodeQuotaExceeded) {
		t.Fatalf("expected quota_exceeded, got %v", errReserve)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 950 {
		t.Fatalf("consumed = %d, want untouched 950", after.ConsumedTokensToday)
	}

	var usageCount int64
	if errCount := conn.Model(&models.Usage{}).Count(&usageCount).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if usageCount != 0 {
		t.Fatalf("rejection must not write usage rows, got %d", usageCount)
	}
}

func TestCheckAndReserveRejectsOverMonthlyBudget(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	seedBinding(t, conn, models.ResourceBinding{
		GroupID:              1,
		BindingMode:          models.BindingShared,
		MonthlyBudgetMicros:  1_000_000,
		ConsumedBudgetMicros: 999_000,
	})

	_, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 10, 2_000)
	if !routing.IsCode(errReserve, routing.CodeBudgetExceeded) {
		t.Fatalf("expected budget_exceeded, got %v", errReserve)
	}
}

func TestReserveCommitReconcilesToActuals(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:         1,
		BindingMode:     models.BindingShared,
		DailyTokenLimit: 10_000,
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 100, 0)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	mid := reloadBinding(t, conn, binding.ID)
	if mid.ConsumedTokensToday != 100 {
		t.Fatalf("reserved consumed = %d, want 100", mid.ConsumedTokensToday)
	}

	// Actual usage came in lower than the estimate; the difference refunds.
	if errCommit := enforcer.Commit(context.Background(), reservation, CommitInput{
		Platform:     "openai",
		Model:        "m1",
		InputTokens:  40,
		OutputTokens: 20,
		CostMicros:   500,
		RequestedAt:  testNow,
	}); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 60 {
		t.Fatalf("consumed = %d, want 60 after reconcile", after.ConsumedTokensToday)
	}
	if after.ConsumedBudgetMicros != 500 {
		t.Fatalf("budget consumed = %d, want 500", after.ConsumedBudgetMicros)
	}

	var usage models.Usage
	if errFind := conn.First(&usage).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if usage.TotalTokens != 60 || usage.CostMicros != 500 || usage.GroupID != 1 {
		t.Fatalf("unexpected usage row: %+v", usage)
	}
}

func TestReleaseRefundsReservation(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:         1,
		BindingMode:     models.BindingShared,
		DailyTokenLimit: 1_000,
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 200, 300)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if errRelease := enforcer.Release(context.Background(), reservation); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 0 || after.ConsumedBudgetMicros != 0 {
		t.Fatalf("release left consumed %d/%d, want 0/0", after.ConsumedTokensToday, after.ConsumedBudgetMicros)
	}
}

func TestReleaseRefundsAfterCallerCancel(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:         1,
		BindingMode:     models.BindingShared,
		DailyTokenLimit: 1_000,
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 200, 300)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if errRelease := enforcer.Release(ctx, reservation); errRelease != nil {
		t.Fatalf("release on canceled context: %v", errRelease)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 0 || after.ConsumedBudgetMicros != 0 {
		t.Fatalf("refund lost on cancel, consumed %d/%d", after.ConsumedTokensToday, after.ConsumedBudgetMicros)
	}
}

func TestCommitReconcilesAfterCallerCancel(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:         1,
		BindingMode:     models.BindingShared,
		DailyTokenLimit: 1_000,
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 100, 0)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if errCommit := enforcer.Commit(ctx, reservation, CommitInput{
		RequestID:    "req-cancel",
		Platform:     "openai",
		Model:        "m1",
		InputTokens:  40,
		OutputTokens: 20,
	}); errCommit != nil {
		t.Fatalf("commit on canceled context: %v", errCommit)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 60 {
		t.Fatalf("consumed = %d, want reconciled 60", after.ConsumedTokensToday)
	}
}

func TestPeriodRolloverResetsCounters(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:             1,
		BindingMode:         models.BindingShared,
		DailyTokenLimit:     1_000,
		ConsumedTokensToday: 950,
		TokenPeriodDay:      testNow.AddDate(0, 0, -1).Format("2006-01-02"),
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 100, 0)
	if errReserve != nil {
		t.Fatalf("reserve after rollover: %v", errReserve)
	}
	if reservation.Tokens != 100 {
		t.Fatalf("reserved tokens = %d, want 100", reservation.Tokens)
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != 100 {
		t.Fatalf("consumed = %d, want 100 after reset", after.ConsumedTokensToday)
	}
	if after.TokenPeriodDay != testNow.Format("2006-01-02") {
		t.Fatalf("period day = %s, want today", after.TokenPeriodDay)
	}
}

func TestCommitPublishesThresholdCrossings(t *testing.T) {
	enforcer, conn, publisher := newTestEnforcer(t)
	seedBinding(t, conn, models.ResourceBinding{
		GroupID:          1,
		BindingMode:      models.BindingShared,
		DailyTokenLimit:  1_000,
		WarningThreshold: 80,
		AlertThreshold:   95,
	})

	reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 850, 0)
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	if errCommit := enforcer.Commit(context.Background(), reservation, CommitInput{
		Platform:     "openai",
		Model:        "m1",
		InputTokens:  800,
		OutputTokens: 50,
		RequestedAt:  testNow,
	}); errCommit != nil {
		t.Fatalf("commit: %v", errCommit)
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.events) != 1 {
		t.Fatalf("expected exactly the warning event, got %+v", publisher.events)
	}
	if publisher.events[0].Type != notify.EventTokenWarning || publisher.events[0].Threshold != 80 {
		t.Fatalf("unexpected event: %+v", publisher.events[0])
	}
}

func TestConcurrentCommitsNeitherDoubleCountNorLose(t *testing.T) {
	enforcer, conn, _ := newTestEnforcer(t)
	binding := seedBinding(t, conn, models.ResourceBinding{
		GroupID:         1,
		BindingMode:     models.BindingShared,
		DailyTokenLimit: 100_000,
	})

	const workers = 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reservation, errReserve := enforcer.CheckAndReserve(context.Background(), 1, 10, 0)
			if errReserve != nil {
				errs <- errReserve
				return
			}
			errs <- enforcer.Commit(context.Background(), reservation, CommitInput{
				Platform:     "openai",
				Model:        "m1",
				InputTokens:  5,
				OutputTokens: 5,
				RequestedAt:  testNow,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for errWorker := range errs {
		if errWorker != nil {
			t.Fatalf("worker error: %v", errWorker)
		}
	}

	after := reloadBinding(t, conn, binding.ID)
	if after.ConsumedTokensToday != workers*10 {
		t.Fatalf("consumed = %d, want %d", after.ConsumedTokensToday, workers*10)
	}

	var usageCount int64
	if errCount := conn.Model(&models.Usage{}).Count(&usageCount).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if usageCount != workers {
		t.Fatalf("usage rows = %d, want %d", usageCount, workers)
	}
}
