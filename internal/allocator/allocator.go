// Package allocator distributes a group's period cost across its
// sub-entities for reporting. It runs as a batch job outside the request
// path and only reads closed-period usage rows.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// unattributedEntity collects usage that cannot be tied to a member.
const unattributedEntity = "unattributed"

// Share is one entity's slice of a period's total cost.
type Share struct {
	EntityID   string `json:"entity_id"`   // Sub-entity key.
	CostMicros int64  `json:"cost_micros"` // Allocated cost in micros.
}

// Allocator computes and stores allocation reports.
type Allocator struct {
	db *gorm.DB
}

// NewAllocator constructs an Allocator.
func NewAllocator(db *gorm.DB) *Allocator {
	return &Allocator{db: db}
}

// customWeightParams is the parameter shape for custom_weight rules.
type customWeightParams struct {
	Weights map[string]float64 `json:"weights"`
}

// AllocateCosts computes one report for a closed period and persists it.
// Shares always sum to the exact period total; the last entity in key order
// absorbs the rounding remainder.
func (a *Allocator) AllocateCosts(ctx context.Context, groupID uint64, rule *models.AllocationRule, periodStart, periodEnd time.Time) (*models.AllocationReport, error) {
	if rule == nil || !rule.Type.Valid() {
		return nil, fmt.Errorf("allocator: invalid rule")
	}
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("allocator: period end must follow start")
	}

	usage, errUsage := a.periodUsage(ctx, groupID, periodStart, periodEnd)
	if errUsage != nil {
		return nil, errUsage
	}
	members, errMembers := a.activeMembers(ctx, groupID)
	if errMembers != nil {
		return nil, errMembers
	}

	var totalCost int64
	for _, row := range usage {
		totalCost += row.CostMicros
	}

	weights, errWeights := a.entityWeights(rule, usage, members)
	if errWeights != nil {
		return nil, errWeights
	}
	if len(weights) == 0 {
		// No members to charge; keep the total reconciled under one bucket.
		weights = map[string]float64{unattributedEntity: 1}
	}

	shares := SplitCost(totalCost, weights)
	payload, errMarshal := json.Marshal(shares)
	if errMarshal != nil {
		return nil, errMarshal
	}

	report := models.AllocationReport{
		GroupID:         groupID,
		RuleType:        rule.Type,
		PeriodStart:     periodStart.UTC(),
		PeriodEnd:       periodEnd.UTC(),
		TotalCostMicros: totalCost,
		Shares:          datatypes.JSON(payload),
	}
	if errCreate := a.db.WithContext(ctx).Create(&report).Error; errCreate != nil {
		return nil, errCreate
	}
	return &report, nil
}

// entityWeights derives the per-entity weight vector for the rule.
func (a *Allocator) entityWeights(rule *models.AllocationRule, usage []models.Usage, members []models.GroupMember) (map[string]float64, error) {
	entities := entitySet(members)

	switch rule.Type {
	case models.AllocationEqual:
		weights := make(map[string]float64, len(entities))
		for entity := range entities {
			weights[entity] = 1
		}
		return weights, nil

	case models.AllocationUserCount:
		weights := make(map[string]float64, len(entities))
		for _, member := range members {
			if member.IsActive {
				weights[memberEntity(member)]++
			}
		}
		return weights, nil

	case models.AllocationUsageBased:
		byUser := make(map[uint64]string, len(members))
		for _, member := range members {
			byUser[member.UserID] = memberEntity(member)
		}
		weights := make(map[string]float64, len(entities))
		for entity := range entities {
			weights[entity] = 0
		}
		for _, row := range usage {
			entity := unattributedEntity
			if row.UserID != nil {
				if mapped, found := byUser[*row.UserID]; found {
					entity = mapped
				}
			}
			weights[entity] += float64(row.TotalTokens)
		}
		return weights, nil

	case models.AllocationCustomWeight:
		var params customWeightParams
		if errDecode := json.Unmarshal(rule.Parameters, &params); errDecode != nil {
			return nil, fmt.Errorf("allocator: decode custom weights: %w", errDecode)
		}
		if len(params.Weights) == 0 {
			return nil, fmt.Errorf("allocator: custom_weight rule carries no weights")
		}
		var sum float64
		for entity, weight := range params.Weights {
			if weight < 0 {
				return nil, fmt.Errorf("allocator: negative weight for entity %q", entity)
			}
			sum += weight
		}
		if sum == 0 {
			return nil, fmt.Errorf("allocator: custom weights sum to zero")
		}
		return params.Weights, nil
	}
	return nil, fmt.Errorf("allocator: unhandled rule type %q", rule.Type)
}

// SplitCost distributes totalCost proportionally to the weights. Shares are
// floored and the last entity in key order absorbs the remainder, so the
// shares always reconcile exactly to the total. A zero weight vector falls
// back to an even split.
func SplitCost(totalCost int64, weights map[string]float64) []Share {
	if len(weights) == 0 {
		return []Share{}
	}

	entities := make([]string, 0, len(weights))
	var weightSum float64
	for entity, weight := range weights {
		entities = append(entities, entity)
		weightSum += weight
	}
	sort.Strings(entities)

	shares := make([]Share, 0, len(entities))
	var allocated int64
	for i, entity := range entities {
		if i == len(entities)-1 {
			shares = append(shares, Share{EntityID: entity, CostMicros: totalCost - allocated})
			break
		}
		var portion int64
		if weightSum > 0 {
			portion = int64(float64(totalCost) * weights[entity] / weightSum)
		} else {
			portion = totalCost / int64(len(entities))
		}
		allocated += portion
		shares = append(shares, Share{EntityID: entity, CostMicros: portion})
	}
	return shares
}

func (a *Allocator) periodUsage(ctx context.Context, groupID uint64, periodStart, periodEnd time.Time) ([]models.Usage, error) {
	var usage []models.Usage
	if errFind := a.db.WithContext(ctx).
		Where("group_id = ? AND requested_at >= ? AND requested_at < ?", groupID, periodStart, periodEnd).
		Find(&usage).Error; errFind != nil {
		return nil, errFind
	}
	return usage, nil
}

func (a *Allocator) activeMembers(ctx context.Context, groupID uint64) ([]models.GroupMember, error) {
	var members []models.GroupMember
	if errFind := a.db.WithContext(ctx).
		Where("group_id = ? AND is_active = ?", groupID, true).
		Find(&members).Error; errFind != nil {
		return nil, errFind
	}
	return members, nil
}

// entitySet collects the distinct entity keys of the active membership.
func entitySet(members []models.GroupMember) map[string]struct{} {
	entities := make(map[string]struct{})
	for _, member := range members {
		if member.IsActive {
			entities[memberEntity(member)] = struct{}{}
		}
	}
	return entities
}

// memberEntity falls back to a per-user entity when no department is set.
func memberEntity(member models.GroupMember) string {
	if member.EntityID != "" {
		return member.EntityID
	}
	return fmt.Sprintf("user:%d", member.UserID)
}
