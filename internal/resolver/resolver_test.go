package resolver

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/health"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/routing"
	"github.com/relaypool/relaypool/internal/store"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestResolver(t *testing.T, conn *gorm.DB) (*Resolver, *health.Monitor, *store.MemoryStateStore) {
	t.Helper()
	monitor := health.NewMonitor(health.Config{})
	state := store.NewMemoryStateStore()
	return NewResolver(conn, state, monitor), monitor, state
}

func seedAccount(t *testing.T, conn *gorm.DB, id uint64, status models.AccountStatus, priority int) {
	t.Helper()
	account := models.ProviderAccount{
		ID:            id,
		Name:          "acct",
		Platform:      "openai",
		CredentialRef: "cred",
		Status:        status,
		ServiceTypes:  "chat",
		Priority:      priority,
		IsShared:      true,
	}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}
}

func seedBinding(t *testing.T, conn *gorm.DB, groupID uint64, mode models.BindingMode, accountIDs []uint64) {
	t.Helper()
	binding := models.ResourceBinding{GroupID: groupID, BindingMode: mode, IsActive: true}
	if errSet := binding.SetBoundAccountIDs(accountIDs); errSet != nil {
		t.Fatalf("set bound ids: %v", errSet)
	}
	if errCreate := conn.Create(&binding).Error; errCreate != nil {
		t.Fatalf("seed binding: %v", errCreate)
	}
}

func seedModelConfig(t *testing.T, conn *gorm.DB, groupID uint64, strategy models.SelectionStrategy) {
	t.Helper()
	cfg := models.ModelConfig{
		GroupID:           groupID,
		ServiceType:       "chat",
		PrimaryModel:      "m1",
		SelectionStrategy: strategy,
	}
	if errCreate := conn.Create(&cfg).Error; errCreate != nil {
		t.Fatalf("seed model config: %v", errCreate)
	}
}

func TestResolveNoBindingConfigured(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	_, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if !routing.IsCode(errResolve, routing.CodeNoBindingConfigured) {
		t.Fatalf("expected no_binding_configured, got %v", errResolve)
	}
}

func TestResolveExclusiveReturnsExactlyOne(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	seedAccount(t, conn, 1, models.AccountEnabled, 0)
	seedAccount(t, conn, 2, models.AccountEnabled, 0)
	seedBinding(t, conn, 1, models.BindingExclusive, []uint64{1})

	candidates, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if len(candidates) != 1 || candidates[0].ID != 1 {
		t.Fatalf("expected exactly account 1, got %+v", candidates)
	}
}

func TestResolveExclusiveDisabledNeverFallsBack(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	seedAccount(t, conn, 1, models.AccountDisabled, 0)
	seedAccount(t, conn, 2, models.AccountEnabled, 0)
	seedBinding(t, conn, 1, models.BindingExclusive, []uint64{1})

	_, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if !routing.IsCode(errResolve, routing.CodeNoEligibleAccount) {
		t.Fatalf("expected no_eligible_account, got %v", errResolve)
	}
}

func TestResolveDedicatedOrdersByPriority(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	seedAccount(t, conn, 1, models.AccountEnabled, 1)
	seedAccount(t, conn, 2, models.AccountEnabled, 9)
	seedAccount(t, conn, 3, models.AccountDisabled, 99)
	seedBinding(t, conn, 1, models.BindingDedicated, []uint64{1, 2, 3})

	candidates, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 enabled candidates, got %d", len(candidates))
	}
	if candidates[0].ID != 2 || candidates[1].ID != 1 {
		t.Fatalf("unexpected order: %d, %d", candidates[0].ID, candidates[1].ID)
	}
}

func TestResolveSharedRoundRobinRotates(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	seedAccount(t, conn, 1, models.AccountEnabled, 0)
	seedAccount(t, conn, 2, models.AccountEnabled, 0)
	seedAccount(t, conn, 3, models.AccountEnabled, 0)
	seedBinding(t, conn, 1, models.BindingShared, nil)
	seedModelConfig(t, conn, 1, models.StrategyRoundRobin)

	var firsts []uint64
	for i := 0; i < 3; i++ {
		candidates, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
		if errResolve != nil {
			t.Fatalf("resolve %d: %v", i, errResolve)
		}
		if len(candidates) != 3 {
			t.Fatalf("expected 3 candidates, got %d", len(candidates))
		}
		firsts = append(firsts, candidates[0].ID)
	}
	if firsts[0] == firsts[1] && firsts[1] == firsts[2] {
		t.Fatalf("round robin never rotated: %v", firsts)
	}
	seen := map[uint64]bool{firsts[0]: true, firsts[1]: true, firsts[2]: true}
	if len(seen) != 3 {
		t.Fatalf("expected each account to lead once, got %v", firsts)
	}
}

func TestResolveSharedLeastUsedPrefersIdleAccounts(t *testing.T) {
	conn := newTestDB(t)
	r, monitor, _ := newTestResolver(t, conn)

	seedAccount(t, conn, 1, models.AccountEnabled, 0)
	seedAccount(t, conn, 2, models.AccountEnabled, 0)
	seedBinding(t, conn, 1, models.BindingShared, nil)
	seedModelConfig(t, conn, 1, models.StrategyLeastUsed)

	monitor.Acquire(1)
	monitor.Acquire(1)

	candidates, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if candidates[0].ID != 2 {
		t.Fatalf("expected idle account 2 first, got %d", candidates[0].ID)
	}
}

func TestResolveSharedSkipsUnsupportedServiceType(t *testing.T) {
	conn := newTestDB(t)
	r, _, _ := newTestResolver(t, conn)

	account := models.ProviderAccount{
		ID:            1,
		Name:          "embeddings-only",
		Platform:      "openai",
		CredentialRef: "cred",
		Status:        models.AccountEnabled,
		ServiceTypes:  "embedding",
		IsShared:      true,
	}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}
	seedBinding(t, conn, 1, models.BindingShared, nil)

	_, errResolve := r.ResolveCandidates(context.Background(), 1, "chat")
	if !routing.IsCode(errResolve, routing.CodeNoEligibleAccount) {
		t.Fatalf("expected no_eligible_account, got %v", errResolve)
	}
}
