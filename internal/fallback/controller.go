// Package fallback drives the model fallback chain for a group and service
// type.
//
// A Session is the per-request view of the chain: it starts at the tier the
// shared failover state dictates, advances on classified failures, and is
// bounded by the chain length and the configured retry budget. The only
// state that outlives a request is the per-(group, serviceType) tier and
// failback timer kept in the StateStore.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/relaypool/relaypool/internal/failoverlog"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/routing"
	"github.com/relaypool/relaypool/internal/store"
)

// DefaultFailbackCooldown is how long the primary must stay healthy before
// new sessions return to it.
const DefaultFailbackCooldown = 5 * time.Minute

// stateTTL bounds how long stale failover state survives in the store.
const stateTTL = 24 * time.Hour

// Controller plans and advances fallback chains.
type Controller struct {
	state    store.StateStore
	recorder *failoverlog.Recorder
	cooldown time.Duration
	now      func() time.Time
}

// NewController constructs a Controller. A non-positive cooldown falls back
// to the default.
func NewController(state store.StateStore, recorder *failoverlog.Recorder, cooldown time.Duration) *Controller {
	if cooldown <= 0 {
		cooldown = DefaultFailbackCooldown
	}
	return &Controller{state: state, recorder: recorder, cooldown: cooldown, now: time.Now}
}

// SetNowFunc overrides the clock; used by tests to cross the cooldown.
func (c *Controller) SetNowFunc(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Session is the per-request chain walk. Not safe for concurrent use.
type Session struct {
	GroupID     uint64
	ServiceType string
	RequestID   string

	config   *models.ModelConfig
	chain    []string // primary followed by the fallback models
	tier     int
	attempts int
}

// Attempt describes one failed dispatch handed to Advance.
type Attempt struct {
	AccountID  *uint64               // Account the attempt used, nil when none was selected.
	Err        error                 // Failure that ended the attempt.
	Reason     models.FailoverReason // Optional explicit classification; empty means classify Err.
	DurationMs int64                 // Attempt duration in milliseconds.
}

// Begin opens a session for one request. primaryScore is the caller's best
// health score for the primary model across the candidate accounts; it feeds
// the failback decision.
func (c *Controller) Begin(ctx context.Context, cfg *models.ModelConfig, requestID string, primaryScore int) (*Session, error) {
	if cfg == nil {
		return nil, routing.NewError(routing.CodeNoModelConfigured, "nil model configuration", nil)
	}
	chain := append([]string{cfg.PrimaryModel}, cfg.FallbackChain()...)

	state, errLoad := c.state.LoadFailoverState(ctx, cfg.GroupID, cfg.ServiceType)
	if errLoad != nil {
		// Routing must survive a state store outage; start from the primary.
		state = store.FailoverState{}
	}

	tier := c.startingTier(ctx, cfg, &state, primaryScore)
	if tier >= len(chain) {
		tier = len(chain) - 1
	}
	if tier < 0 {
		tier = 0
	}

	return &Session{
		GroupID:     cfg.GroupID,
		ServiceType: cfg.ServiceType,
		RequestID:   requestID,
		config:      cfg,
		chain:       chain,
		tier:        tier,
	}, nil
}

// startingTier applies the pin and failback rules to pick the session's
// first tier, persisting any failback timer transitions it makes.
func (c *Controller) startingTier(ctx context.Context, cfg *models.ModelConfig, state *store.FailoverState, primaryScore int) int {
	if cfg.FailoverTrigger == models.TriggerHybrid && state.PinnedTier != nil {
		return *state.PinnedTier
	}
	if state.Tier == 0 {
		return 0
	}
	if !cfg.FailbackEnabled {
		return state.Tier
	}

	now := c.now()
	if primaryScore < cfg.HealthCheckThreshold {
		if state.PrimaryHealthySince != nil {
			state.PrimaryHealthySince = nil
			c.saveState(ctx, cfg.GroupID, cfg.ServiceType, *state)
		}
		return state.Tier
	}

	if state.PrimaryHealthySince == nil {
		healthySince := now
		state.PrimaryHealthySince = &healthySince
		c.saveState(ctx, cfg.GroupID, cfg.ServiceType, *state)
		return state.Tier
	}
	if now.Sub(*state.PrimaryHealthySince) < c.cooldown {
		return state.Tier
	}

	// Primary has been healthy for the whole cooldown; fail back.
	state.Tier = 0
	state.PrimaryHealthySince = nil
	c.saveState(ctx, cfg.GroupID, cfg.ServiceType, *state)
	return 0
}

// Current returns the model for the session's active tier.
func (s *Session) Current() string {
	if s == nil || s.tier >= len(s.chain) {
		return ""
	}
	return s.chain[s.tier]
}

// Tier returns the session's active chain position; 0 is the primary.
func (s *Session) Tier() int { return s.tier }

// Attempts returns the number of failed attempts recorded so far.
func (s *Session) Attempts() int { return s.attempts }

// Advance records a failed attempt and moves the session to the next tier.
// It returns the next model to try, or ok=false when the chain is done:
// a manual trigger surfaces the first failure, and automatic/hybrid chains
// stop at the chain end or the retry budget.
func (c *Controller) Advance(ctx context.Context, session *Session, attempt Attempt) (next string, ok bool) {
	session.attempts++
	reason := attempt.Reason
	if reason == "" {
		reason = ClassifyReason(attempt.Err)
	}

	advancing := session.config.FailoverTrigger != models.TriggerManual &&
		session.tier+1 < len(session.chain) &&
		session.attempts < maxRetries(session.config)

	entry := models.FailoverLog{
		RequestID:      session.RequestID,
		GroupID:        session.GroupID,
		ServiceType:    session.ServiceType,
		FromModel:      session.Current(),
		AccountID:      attempt.AccountID,
		Reason:         reason,
		ErrorMessage:   errorMessage(attempt.Err),
		ResponseTimeMs: attempt.DurationMs,
	}
	if advancing {
		entry.ToModel = session.chain[session.tier+1]
	}
	if c.recorder != nil {
		c.recorder.Record(ctx, entry)
	}

	if !advancing {
		return "", false
	}
	session.tier++
	return session.Current(), true
}

// Complete persists the tier the session ended on. Called once per request
// after a successful dispatch; an exhausted request leaves the shared state
// at the tier it last held.
func (c *Controller) Complete(ctx context.Context, session *Session) {
	state, errLoad := c.state.LoadFailoverState(ctx, session.GroupID, session.ServiceType)
	if errLoad != nil {
		state = store.FailoverState{}
	}
	if state.Tier == session.tier {
		return
	}
	state.Tier = session.tier
	if session.tier == 0 {
		state.PrimaryHealthySince = nil
	}
	c.saveState(ctx, session.GroupID, session.ServiceType, state)
}

// Pin forces hybrid-trigger sessions for the group and service type onto a
// fixed tier until Unpin. The admin override hook.
func (c *Controller) Pin(ctx context.Context, groupID uint64, serviceType string, tier int) error {
	if tier < 0 {
		return errors.New("fallback: negative tier")
	}
	state, errLoad := c.state.LoadFailoverState(ctx, groupID, serviceType)
	if errLoad != nil {
		return errLoad
	}
	state.PinnedTier = &tier
	return c.persistState(ctx, groupID, serviceType, state)
}

// Unpin clears a manual tier override.
func (c *Controller) Unpin(ctx context.Context, groupID uint64, serviceType string) error {
	state, errLoad := c.state.LoadFailoverState(ctx, groupID, serviceType)
	if errLoad != nil {
		return errLoad
	}
	state.PinnedTier = nil
	return c.persistState(ctx, groupID, serviceType, state)
}

func (c *Controller) saveState(ctx context.Context, groupID uint64, serviceType string, state store.FailoverState) {
	// Best effort; the next request reloads whatever is there.
	_ = c.persistState(ctx, groupID, serviceType, state)
}

func (c *Controller) persistState(ctx context.Context, groupID uint64, serviceType string, state store.FailoverState) error {
	state.UpdatedAt = c.now()
	return c.state.SaveFailoverState(ctx, groupID, serviceType, state, stateTTL)
}

// ClassifyReason maps an attempt error onto the audit reason taxonomy.
func ClassifyReason(err error) models.FailoverReason {
	switch {
	case err == nil:
		return models.ReasonProviderError
	case errors.Is(err, context.DeadlineExceeded):
		return models.ReasonTimeout
	case routing.IsCode(err, routing.CodeQuotaExceeded), routing.IsCode(err, routing.CodeBudgetExceeded):
		return models.ReasonQuotaExceeded
	default:
		return models.ReasonProviderError
	}
}

func maxRetries(cfg *models.ModelConfig) int {
	if cfg.MaxRetries <= 0 {
		return 3
	}
	return cfg.MaxRetries
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
