// Package resolver turns a group and service type into the ordered pool of
// provider accounts the group may route through.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/relaypool/relaypool/internal/health"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/routing"
	"github.com/relaypool/relaypool/internal/store"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Resolver computes candidate account pools under group binding policies.
type Resolver struct {
	db      *gorm.DB
	state   store.StateStore
	monitor *health.Monitor
}

// NewResolver constructs a Resolver.
func NewResolver(db *gorm.DB, state store.StateStore, monitor *health.Monitor) *Resolver {
	return &Resolver{db: db, state: state, monitor: monitor}
}

// ResolveCandidates returns the ordered candidate accounts for the group.
//
// Exclusivity is a hard guarantee: an exclusive binding whose single account
// is disabled fails with no_eligible_account and never falls back to the
// shared pool.
func (r *Resolver) ResolveCandidates(ctx context.Context, groupID uint64, serviceType string) ([]models.ProviderAccount, error) {
	binding, errBinding := r.activeBinding(ctx, groupID)
	if errBinding != nil {
		return nil, errBinding
	}

	switch binding.BindingMode {
	case models.BindingExclusive:
		return r.resolveExclusive(ctx, binding, serviceType)
	case models.BindingDedicated:
		return r.resolveDedicated(ctx, binding, serviceType)
	case models.BindingShared:
		return r.resolveShared(ctx, groupID, serviceType)
	default:
		return nil, routing.NewError(routing.CodeNoBindingConfigured,
			fmt.Sprintf("group %d has unknown binding mode %q", groupID, binding.BindingMode), nil)
	}
}

// activeBinding loads the group's single active resource binding.
func (r *Resolver) activeBinding(ctx context.Context, groupID uint64) (*models.ResourceBinding, error) {
	var binding models.ResourceBinding
	if errFind := r.db.WithContext(ctx).
		Where("group_id = ? AND is_active = ?", groupID, true).
		Order("id ASC").
		First(&binding).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, routing.NewError(routing.CodeNoBindingConfigured,
				fmt.Sprintf("group %d has no active resource binding", groupID), nil)
		}
		return nil, errFind
	}
	return &binding, nil
}

// resolveExclusive returns the single bound account, or fails hard.
func (r *Resolver) resolveExclusive(ctx context.Context, binding *models.ResourceBinding, serviceType string) ([]models.ProviderAccount, error) {
	ids := binding.BoundAccountIDs()
	if len(ids) == 0 {
		return nil, routing.NewError(routing.CodeNoEligibleAccount,
			fmt.Sprintf("exclusive binding %d has no bound account", binding.ID), nil)
	}

	var account models.ProviderAccount
	if errFind := r.db.WithContext(ctx).First(&account, ids[0]).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, routing.NewError(routing.CodeNoEligibleAccount,
				fmt.Sprintf("exclusive account %d does not exist", ids[0]), nil)
		}
		return nil, errFind
	}
	if account.Status != models.AccountEnabled || !account.SupportsServiceType(serviceType) {
		return nil, routing.NewError(routing.CodeNoEligibleAccount,
			fmt.Sprintf("exclusive account %d is not serving %s", account.ID, serviceType), nil)
	}
	return []models.ProviderAccount{account}, nil
}

// resolveDedicated returns the group's bound accounts ordered by priority
// then least current load.
func (r *Resolver) resolveDedicated(ctx context.Context, binding *models.ResourceBinding, serviceType string) ([]models.ProviderAccount, error) {
	ids := binding.BoundAccountIDs()
	if len(ids) == 0 {
		return nil, routing.NewError(routing.CodeNoEligibleAccount,
			fmt.Sprintf("dedicated binding %d has no bound accounts", binding.ID), nil)
	}

	accounts, errLoad := r.loadEnabledAccounts(ctx, serviceType, ids)
	if errLoad != nil {
		return nil, errLoad
	}
	if len(accounts) == 0 {
		return nil, routing.NewError(routing.CodeNoEligibleAccount,
			fmt.Sprintf("dedicated binding %d has no enabled accounts", binding.ID), nil)
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].Priority != accounts[j].Priority {
			return accounts[i].Priority > accounts[j].Priority
		}
		return r.monitor.ActiveConnections(accounts[i].ID) < r.monitor.ActiveConnections(accounts[j].ID)
	})
	return accounts, nil
}

// resolveShared returns the shared pool ordered by the group's strategy.
func (r *Resolver) resolveShared(ctx context.Context, groupID uint64, serviceType string) ([]models.ProviderAccount, error) {
	accounts, errLoad := r.loadEnabledAccounts(ctx, serviceType, nil)
	if errLoad != nil {
		return nil, errLoad
	}
	if len(accounts) == 0 {
		return nil, routing.NewError(routing.CodeNoEligibleAccount,
			fmt.Sprintf("shared pool has no enabled accounts for %s", serviceType), nil)
	}

	strategy := r.selectionStrategy(ctx, groupID, serviceType)
	switch strategy {
	case models.StrategyRoundRobin:
		return r.orderRoundRobin(ctx, groupID, serviceType, accounts)
	case models.StrategyLeastUsed:
		r.orderLeastUsed(accounts)
	default:
		r.orderPriority(ctx, accounts)
	}
	return accounts, nil
}

// loadEnabledAccounts loads enabled accounts, optionally restricted to ids,
// filtered to the requested service type.
func (r *Resolver) loadEnabledAccounts(ctx context.Context, serviceType string, ids []uint64) ([]models.ProviderAccount, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", models.AccountEnabled).
		Order("id ASC")
	if ids != nil {
		q = q.Where("id IN ?", ids)
	} else {
		q = q.Where("is_shared = ?", true)
	}

	var rows []models.ProviderAccount
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, errFind
	}

	accounts := rows[:0]
	for _, account := range rows {
		if account.SupportsServiceType(serviceType) {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

// selectionStrategy reads the group's configured strategy, defaulting to priority.
func (r *Resolver) selectionStrategy(ctx context.Context, groupID uint64, serviceType string) models.SelectionStrategy {
	var cfg models.ModelConfig
	if errFind := r.db.WithContext(ctx).
		Select("selection_strategy").
		Where("group_id = ? AND service_type = ?", groupID, serviceType).
		Take(&cfg).Error; errFind != nil {
		return models.StrategyPriority
	}
	if cfg.SelectionStrategy == "" {
		return models.StrategyPriority
	}
	return cfg.SelectionStrategy
}

// orderPriority sorts by static weight descending, least-recently-used first
// on ties.
func (r *Resolver) orderPriority(ctx context.Context, accounts []models.ProviderAccount) {
	stamps := make(map[uint64]time.Time, len(accounts))
	for _, account := range accounts {
		stamp, errLast := r.state.LastUsed(ctx, account.ID)
		if errLast != nil {
			log.WithError(errLast).WithField("account_id", account.ID).Debug("resolver: last-used stamp unavailable")
		}
		stamps[account.ID] = stamp
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].Priority != accounts[j].Priority {
			return accounts[i].Priority > accounts[j].Priority
		}
		return stamps[accounts[i].ID].Before(stamps[accounts[j].ID])
	})
}

// orderRoundRobin rotates the stable pool order by the persisted cursor.
func (r *Resolver) orderRoundRobin(ctx context.Context, groupID uint64, serviceType string, accounts []models.ProviderAccount) ([]models.ProviderAccount, error) {
	cursor, errNext := r.state.NextCursor(ctx, groupID, serviceType)
	if errNext != nil {
		return nil, fmt.Errorf("resolver: advance round-robin cursor: %w", errNext)
	}
	offset := int((cursor - 1) % uint64(len(accounts)))
	rotated := make([]models.ProviderAccount, 0, len(accounts))
	rotated = append(rotated, accounts[offset:]...)
	rotated = append(rotated, accounts[:offset]...)
	return rotated, nil
}

// orderLeastUsed sorts by active connections ascending, lowest recent error
// rate on ties.
func (r *Resolver) orderLeastUsed(accounts []models.ProviderAccount) {
	sort.SliceStable(accounts, func(i, j int) bool {
		left := r.monitor.ActiveConnections(accounts[i].ID)
		right := r.monitor.ActiveConnections(accounts[j].ID)
		if left != right {
			return left < right
		}
		return r.monitor.AccountErrorRate(accounts[i].ID) < r.monitor.AccountErrorRate(accounts[j].ID)
	})
}
