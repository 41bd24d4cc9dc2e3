// Package billing computes dispatch costs from the per-model price table.
package billing

import (
	"context"
	"math"
	"strings"

	"github.com/relaypool/relaypool/internal/models"
	"gorm.io/gorm"
)

// Pricer resolves model unit rates and computes costs in micros.
type Pricer struct {
	db *gorm.DB
}

// NewPricer constructs a Pricer backed by GORM.
func NewPricer(db *gorm.DB) *Pricer { return &Pricer{db: db} }

// CostMicros computes the cost of a completed attempt in micros.
// Unknown models cost zero rather than failing the request.
func (p *Pricer) CostMicros(ctx context.Context, platform, model string, inputTokens, outputTokens int64) int64 {
	price := p.lookup(ctx, platform, model)
	if price == nil {
		return 0
	}
	total := float64(inputTokens)*float64(price.InputPricePerMillion)/1_000_000 +
		float64(outputTokens)*float64(price.OutputPricePerMillion)/1_000_000
	return int64(math.Round(total))
}

// EstimateMicros projects the cost of an attempt before dispatch, pricing
// the token estimate at the model's input rate.
func (p *Pricer) EstimateMicros(ctx context.Context, platform, model string, estimatedTokens int64) int64 {
	price := p.lookup(ctx, platform, model)
	if price == nil {
		return 0
	}
	return int64(math.Round(float64(estimatedTokens) * float64(price.InputPricePerMillion) / 1_000_000))
}

// lookup loads the candidate price rows and picks the best match.
func (p *Pricer) lookup(ctx context.Context, platform, model string) *models.ModelPrice {
	if p == nil || p.db == nil {
		return nil
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil
	}

	var rows []models.ModelPrice
	if errFind := p.db.WithContext(ctx).
		Where("is_enabled = ? AND model = ?", true, model).
		Find(&rows).Error; errFind != nil {
		return nil
	}
	return SelectPrice(rows, platform, model)
}

// SelectPrice matches price rows using the following priority:
// 1) platform + model exact
// 2) model with empty platform (any-platform rate)
// Newer rows win on ties.
func SelectPrice(rows []models.ModelPrice, platform, model string) *models.ModelPrice {
	platform = strings.ToLower(strings.TrimSpace(platform))
	model = strings.TrimSpace(model)

	bestPriority := -1
	var best *models.ModelPrice

	consider := func(row *models.ModelPrice, priority int) {
		if row == nil {
			return
		}
		if priority > bestPriority {
			bestPriority = priority
			best = row
			return
		}
		if priority < bestPriority || best == nil {
			return
		}
		if row.UpdatedAt.After(best.UpdatedAt) {
			best = row
			return
		}
		if row.UpdatedAt.Equal(best.UpdatedAt) && row.ID > best.ID {
			best = row
		}
	}

	for i := range rows {
		row := &rows[i]
		if !row.IsEnabled || strings.TrimSpace(row.Model) != model {
			continue
		}
		rowPlatform := strings.ToLower(strings.TrimSpace(row.Platform))
		switch {
		case rowPlatform == platform && platform != "":
			consider(row, 1)
		case rowPlatform == "":
			consider(row, 0)
		}
	}

	return best
}
