package fallback

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/failoverlog"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/store"
	"gorm.io/gorm"
)

func newTestController(t *testing.T) (*Controller, *store.MemoryStateStore, *failoverlog.Recorder, *gorm.DB) {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	state := store.NewMemoryStateStore()
	recorder := failoverlog.NewRecorder(conn)
	controller := NewController(state, recorder, 5*time.Minute)
	return controller, state, recorder, conn
}

func testConfig(trigger models.FailoverTrigger, fallbacks ...string) *models.ModelConfig {
	cfg := &models.ModelConfig{
		GroupID:              1,
		ServiceType:          "chat",
		PrimaryModel:         "m1",
		FailoverTrigger:      trigger,
		HealthCheckThreshold: 60,
		FailbackEnabled:      true,
		MaxRetries:           3,
	}
	if errSet := cfg.SetFallbackChain(fallbacks); errSet != nil {
		panic(errSet)
	}
	return cfg
}

func countLogs(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var total int64
	if errCount := conn.Model(&models.FailoverLog{}).Count(&total).Error; errCount != nil {
		t.Fatalf("count logs: %v", errCount)
	}
	return total
}

func TestAutomaticAdvanceWalksChainAndLogs(t *testing.T) {
	controller, _, _, conn := newTestController(t)
	cfg := testConfig(models.TriggerAutomatic, "m2", "m3")

	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Current() != "m1" {
		t.Fatalf("session starts at %q, want m1", session.Current())
	}

	next, ok := controller.Advance(context.Background(), session, Attempt{
		Err:        context.DeadlineExceeded,
		DurationMs: 1200,
	})
	if !ok || next != "m2" {
		t.Fatalf("advance = %q/%v, want m2/true", next, ok)
	}

	var entry models.FailoverLog
	if errFind := conn.First(&entry).Error; errFind != nil {
		t.Fatalf("load log: %v", errFind)
	}
	if entry.FromModel != "m1" || entry.ToModel != "m2" || entry.Reason != models.ReasonTimeout {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Success {
		t.Fatalf("failure entry must not be marked successful")
	}
}

func TestManualTriggerNeverAdvances(t *testing.T) {
	controller, _, _, conn := newTestController(t)
	cfg := testConfig(models.TriggerManual, "m2")

	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if _, ok := controller.Advance(context.Background(), session, Attempt{Err: context.DeadlineExceeded}); ok {
		t.Fatalf("manual trigger advanced the chain")
	}
	if got := countLogs(t, conn); got != 1 {
		t.Fatalf("log rows = %d, want 1", got)
	}
}

func TestRetryBudgetBoundsChain(t *testing.T) {
	controller, _, _, _ := newTestController(t)
	cfg := testConfig(models.TriggerAutomatic, "m2", "m3", "m4")
	cfg.MaxRetries = 2

	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if _, ok := controller.Advance(context.Background(), session, Attempt{Err: context.DeadlineExceeded}); !ok {
		t.Fatalf("first advance should stay within the retry budget")
	}
	if _, ok := controller.Advance(context.Background(), session, Attempt{Err: context.DeadlineExceeded}); ok {
		t.Fatalf("retry budget of 2 must stop the second advance")
	}
}

func TestFailbackWaitsForCooldown(t *testing.T) {
	controller, state, _, _ := newTestController(t)
	cfg := testConfig(models.TriggerAutomatic, "m2")

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	controller.SetNowFunc(func() time.Time { return now })

	// A previous request left the group on tier 1.
	if errSave := state.SaveFailoverState(context.Background(), 1, "chat", store.FailoverState{Tier: 1}, time.Hour); errSave != nil {
		t.Fatalf("seed state: %v", errSave)
	}

	// Primary healthy, but the cooldown clock starts now; stay on tier 1.
	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 90)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Tier() != 1 {
		t.Fatalf("tier = %d, want 1 before cooldown elapses", session.Tier())
	}

	// Cooldown elapsed with the primary still healthy; fail back.
	now = now.Add(6 * time.Minute)
	session, errBegin = controller.Begin(context.Background(), cfg, "req-2", 90)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Tier() != 0 {
		t.Fatalf("tier = %d, want failback to 0", session.Tier())
	}
}

func TestUnhealthyPrimaryResetsFailbackTimer(t *testing.T) {
	controller, state, _, _ := newTestController(t)
	cfg := testConfig(models.TriggerAutomatic, "m2")

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	controller.SetNowFunc(func() time.Time { return now })

	if errSave := state.SaveFailoverState(context.Background(), 1, "chat", store.FailoverState{Tier: 1}, time.Hour); errSave != nil {
		t.Fatalf("seed state: %v", errSave)
	}

	// Healthy probe starts the timer.
	if _, errBegin := controller.Begin(context.Background(), cfg, "req-1", 90); errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	// A degraded probe before the cooldown elapses clears the timer.
	now = now.Add(3 * time.Minute)
	if _, errBegin := controller.Begin(context.Background(), cfg, "req-2", 10); errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	// Healthy again, but the clock restarted; still on tier 1.
	now = now.Add(4 * time.Minute)
	session, errBegin := controller.Begin(context.Background(), cfg, "req-3", 90)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Tier() != 1 {
		t.Fatalf("tier = %d, want 1 after timer reset", session.Tier())
	}
}

func TestHybridPinOverridesFailback(t *testing.T) {
	controller, _, _, _ := newTestController(t)
	cfg := testConfig(models.TriggerHybrid, "m2", "m3")

	if errPin := controller.Pin(context.Background(), 1, "chat", 2); errPin != nil {
		t.Fatalf("pin: %v", errPin)
	}
	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Current() != "m3" {
		t.Fatalf("pinned session starts at %q, want m3", session.Current())
	}

	if errUnpin := controller.Unpin(context.Background(), 1, "chat"); errUnpin != nil {
		t.Fatalf("unpin: %v", errUnpin)
	}
	session, errBegin = controller.Begin(context.Background(), cfg, "req-2", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if session.Current() != "m1" {
		t.Fatalf("unpinned session starts at %q, want m1", session.Current())
	}
}

func TestCompletePersistsEndingTier(t *testing.T) {
	controller, state, _, _ := newTestController(t)
	cfg := testConfig(models.TriggerAutomatic, "m2")

	session, errBegin := controller.Begin(context.Background(), cfg, "req-1", 100)
	if errBegin != nil {
		t.Fatalf("begin: %v", errBegin)
	}
	if _, ok := controller.Advance(context.Background(), session, Attempt{Err: context.DeadlineExceeded}); !ok {
		t.Fatalf("advance failed")
	}
	controller.Complete(context.Background(), session)

	saved, errLoad := state.LoadFailoverState(context.Background(), 1, "chat")
	if errLoad != nil {
		t.Fatalf("load state: %v", errLoad)
	}
	if saved.Tier != 1 {
		t.Fatalf("saved tier = %d, want 1", saved.Tier)
	}
}
