// Package quota enforces daily token limits and monthly budgets for sharing
// groups through optimistic reservations.
//
// Admission happens before any provider call; reservations are reconciled
// against actual usage on commit (over-estimates refunded, under-estimates
// charged without a retroactive re-check) and released on abort. All counter
// updates go through row locks plus SQL-side increments so two racing
// requests can never both pass a limit only one should pass.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/relaypool/relaypool/internal/db"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/notify"
	"github.com/relaypool/relaypool/internal/routing"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reservation holds tokens and budget reserved for one attempt.
type Reservation struct {
	BindingID uint64 // Binding whose counters were incremented.
	GroupID   uint64 // Owning group.
	Tokens    int64  // Reserved token estimate.
	Micros    int64  // Reserved budget estimate in micros.
}

// CommitInput carries the actuals reconciled against a reservation.
type CommitInput struct {
	RequestID string  // Logical request correlation ID.
	UserID    *uint64 // Requesting user.
	AccountID *uint64 // Provider account used.
	Platform  string  // Provider platform.
	Model     string  // Model dispatched.

	InputTokens  int64 // Actual input tokens.
	OutputTokens int64 // Actual output tokens.
	CostMicros   int64 // Actual cost in micros; zero for failed attempts.

	Failed          bool   // Whether the attempt failed after reaching the provider.
	ErrorStatusCode *int   // Upstream status code for failed attempts.
	ErrorMessage    string // Sanitized upstream error message.

	RequestedAt time.Time // Attempt start time.
	DurationMs  int64     // Attempt duration in milliseconds.
}

// Enforcer validates and meters group usage.
type Enforcer struct {
	db        *gorm.DB
	publisher notify.Publisher
	now       func() time.Time
}

// NewEnforcer constructs an Enforcer. A nil publisher falls back to logging.
func NewEnforcer(db *gorm.DB, publisher notify.Publisher) *Enforcer {
	if publisher == nil {
		publisher = notify.NewLogPublisher()
	}
	return &Enforcer{db: db, publisher: publisher, now: time.Now}
}

// SetNowFunc overrides the clock; used by tests to cross period boundaries.
func (e *Enforcer) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// CheckAndReserve admits the request against the group's limits and reserves
// the estimate. Rejections happen before any provider call and leave the
// consumed counters untouched.
func (e *Enforcer) CheckAndReserve(ctx context.Context, groupID uint64, estimatedTokens, estimatedMicros int64) (*Reservation, error) {
	if estimatedTokens < 0 || estimatedMicros < 0 {
		return nil, fmt.Errorf("quota: negative estimate")
	}

	var reservation *Reservation
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		binding, errLoad := lockActiveBinding(ctx, tx, groupID)
		if errLoad != nil {
			return errLoad
		}

		if errRollover := e.rolloverLocked(ctx, tx, binding); errRollover != nil {
			return errRollover
		}

		if binding.DailyTokenLimit > 0 && binding.ConsumedTokensToday+estimatedTokens > binding.DailyTokenLimit {
			return routing.NewError(routing.CodeQuotaExceeded,
				fmt.Sprintf("group %d daily tokens %d + %d would exceed %d",
					groupID, binding.ConsumedTokensToday, estimatedTokens, binding.DailyTokenLimit), nil)
		}
		if binding.MonthlyBudgetMicros > 0 && binding.ConsumedBudgetMicros+estimatedMicros > binding.MonthlyBudgetMicros {
			return routing.NewError(routing.CodeBudgetExceeded,
				fmt.Sprintf("group %d monthly budget %d + %d would exceed %d",
					groupID, binding.ConsumedBudgetMicros, estimatedMicros, binding.MonthlyBudgetMicros), nil)
		}

		if errReserve := tx.WithContext(ctx).
			Model(&models.ResourceBinding{}).
			Where("id = ?", binding.ID).
			Updates(map[string]any{
				"consumed_tokens_today":  gorm.Expr("consumed_tokens_today + ?", estimatedTokens),
				"consumed_budget_micros": gorm.Expr("consumed_budget_micros + ?", estimatedMicros),
			}).Error; errReserve != nil {
			return errReserve
		}

		reservation = &Reservation{
			BindingID: binding.ID,
			GroupID:   groupID,
			Tokens:    estimatedTokens,
			Micros:    estimatedMicros,
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return reservation, nil
}

// Commit reconciles a reservation with actual usage and writes the usage row.
// Threshold crossings are published after the transaction commits. Like
// Release, the reconciliation runs detached from the request context so a
// caller abort racing the provider response cannot strand the reservation.
func (e *Enforcer) Commit(ctx context.Context, reservation *Reservation, input CommitInput) error {
	if reservation == nil {
		return fmt.Errorf("quota: nil reservation")
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	actualTokens := input.InputTokens + input.OutputTokens
	deltaTokens := actualTokens - reservation.Tokens
	deltaMicros := input.CostMicros - reservation.Micros

	var events []notify.Event
	errTx := e.db.WithContext(commitCtx).Transaction(func(tx *gorm.DB) error {
		binding, errLoad := lockBinding(commitCtx, tx, reservation.BindingID)
		if errLoad != nil {
			return errLoad
		}

		beforeTokens := binding.ConsumedTokensToday - reservation.Tokens
		beforeMicros := binding.ConsumedBudgetMicros - reservation.Micros
		if beforeTokens < 0 {
			beforeTokens = 0
		}
		if beforeMicros < 0 {
			beforeMicros = 0
		}

		if errAdjust := tx.WithContext(commitCtx).
			Model(&models.ResourceBinding{}).
			Where("id = ?", binding.ID).
			Updates(map[string]any{
				"consumed_tokens_today":  dbutil.ClampedAddExpr(tx, "consumed_tokens_today", deltaTokens),
				"consumed_budget_micros": dbutil.ClampedAddExpr(tx, "consumed_budget_micros", deltaMicros),
			}).Error; errAdjust != nil {
			return errAdjust
		}

		row := models.Usage{
			RequestID:       input.RequestID,
			GroupID:         reservation.GroupID,
			UserID:          input.UserID,
			AccountID:       input.AccountID,
			Platform:        input.Platform,
			Model:           input.Model,
			RequestedAt:     normalizeTime(input.RequestedAt),
			Failed:          input.Failed,
			ErrorStatusCode: input.ErrorStatusCode,
			ErrorDetail:     encodeErrorDetail(input.ErrorStatusCode, input.ErrorMessage),
			InputTokens:     input.InputTokens,
			OutputTokens:    input.OutputTokens,
			TotalTokens:     actualTokens,
			CostMicros:      input.CostMicros,
			DurationMs:      input.DurationMs,
			CreatedAt:       e.now().UTC(),
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}

		afterTokens := beforeTokens + actualTokens
		afterMicros := beforeMicros + input.CostMicros
		events = thresholdEvents(binding, beforeTokens, afterTokens, beforeMicros, afterMicros, e.now().UTC())
		return nil
	})
	if errTx != nil {
		return errTx
	}

	for _, event := range events {
		e.publisher.Publish(commitCtx, event)
	}
	return nil
}

// reconcileTimeout bounds commit and release writes when they run detached
// from the request context.
const reconcileTimeout = 5 * time.Second

// Release returns a reservation that never produced a provider response.
// The refund runs on a detached context so it still lands when the caller
// canceled the request; otherwise the reserved estimate would stay on the
// consumed counters until period rollover.
func (e *Enforcer) Release(ctx context.Context, reservation *Reservation) error {
	if reservation == nil {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	errRelease := e.db.WithContext(releaseCtx).
		Model(&models.ResourceBinding{}).
		Where("id = ?", reservation.BindingID).
		Updates(map[string]any{
			"consumed_tokens_today":  dbutil.ClampedAddExpr(e.db, "consumed_tokens_today", -reservation.Tokens),
			"consumed_budget_micros": dbutil.ClampedAddExpr(e.db, "consumed_budget_micros", -reservation.Micros),
		}).Error
	if errRelease != nil {
		log.WithError(errRelease).WithField("group_id", reservation.GroupID).Warn("quota: release reservation failed")
	}
	return errRelease
}

// rolloverLocked resets consumed counters when the binding's stored period
// markers fall behind the current day or month. Callers hold the row lock.
func (e *Enforcer) rolloverLocked(ctx context.Context, tx *gorm.DB, binding *models.ResourceBinding) error {
	now := e.now().UTC()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	updates := map[string]any{}
	if binding.TokenPeriodDay != today {
		updates["consumed_tokens_today"] = int64(0)
		updates["token_period_day"] = today
		binding.ConsumedTokensToday = 0
		binding.TokenPeriodDay = today
	}
	if binding.BudgetPeriodMonth != month {
		updates["consumed_budget_micros"] = int64(0)
		updates["budget_period_month"] = month
		binding.ConsumedBudgetMicros = 0
		binding.BudgetPeriodMonth = month
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&models.ResourceBinding{}).
		Where("id = ?", binding.ID).
		Updates(updates).Error
}

// thresholdEvents reports the warning/alert thresholds crossed by a commit.
func thresholdEvents(binding *models.ResourceBinding, beforeTokens, afterTokens, beforeMicros, afterMicros int64, at time.Time) []notify.Event {
	var events []notify.Event
	appendCrossings := func(before, after, limit int64, warningType, alertType notify.EventType) {
		if limit <= 0 {
			return
		}
		for _, crossing := range []struct {
			threshold int
			eventType notify.EventType
		}{
			{binding.WarningThreshold, warningType},
			{binding.AlertThreshold, alertType},
		} {
			if crossing.threshold <= 0 {
				continue
			}
			mark := limit * int64(crossing.threshold) / 100
			if before < mark && after >= mark {
				events = append(events, notify.Event{
					Type:      crossing.eventType,
					GroupID:   binding.GroupID,
					Threshold: crossing.threshold,
					Consumed:  after,
					Limit:     limit,
					At:        at,
				})
			}
		}
	}
	appendCrossings(beforeTokens, afterTokens, binding.DailyTokenLimit, notify.EventTokenWarning, notify.EventTokenAlert)
	appendCrossings(beforeMicros, afterMicros, binding.MonthlyBudgetMicros, notify.EventBudgetWarning, notify.EventBudgetAlert)
	return events
}

// lockActiveBinding loads the group's active binding under a row lock.
func lockActiveBinding(ctx context.Context, tx *gorm.DB, groupID uint64) (*models.ResourceBinding, error) {
	var binding models.ResourceBinding
	if errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
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

// lockBinding loads a binding by ID under a row lock.
func lockBinding(ctx context.Context, tx *gorm.DB, bindingID uint64) (*models.ResourceBinding, error) {
	var binding models.ResourceBinding
	if errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&binding, bindingID).Error; errFind != nil {
		return nil, errFind
	}
	return &binding, nil
}

// usageErrorDetail is the structured error payload stored on failed rows.
type usageErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// encodeErrorDetail builds the JSON error detail for a failed attempt.
func encodeErrorDetail(statusCode *int, message string) datatypes.JSON {
	if statusCode == nil && message == "" {
		return nil
	}
	detail := usageErrorDetail{Message: message}
	if statusCode != nil {
		detail.StatusCode = *statusCode
	}
	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
