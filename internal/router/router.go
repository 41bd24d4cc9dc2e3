// Package router executes one logical chat request end to end: candidate
// resolution, quota admission, bounded provider dispatch, health sampling
// and fallback, until a response arrives or the chain exhausts.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaypool/relaypool/internal/billing"
	"github.com/relaypool/relaypool/internal/fallback"
	"github.com/relaypool/relaypool/internal/health"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/provider"
	"github.com/relaypool/relaypool/internal/quota"
	"github.com/relaypool/relaypool/internal/resolver"
	"github.com/relaypool/relaypool/internal/routing"
	"github.com/relaypool/relaypool/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Request is one inbound chat request after authentication.
type Request struct {
	GroupID     uint64                // Sharing group the caller belongs to.
	UserID      *uint64               // Authenticated caller, nil for service traffic.
	ServiceType string                // Service type key, defaults to chat.
	Chat        *provider.ChatRequest // Conversation payload.
}

// Result is the outcome of a successfully routed request.
type Result struct {
	RequestID    string           `json:"request_id"`    // Correlation ID shared with audit rows.
	Message      provider.Message `json:"message"`       // Assistant reply.
	Model        string           `json:"model"`         // Model that produced the reply.
	AccountID    uint64           `json:"account_id"`    // Account the reply came through.
	InputTokens  int64            `json:"input_tokens"`  // Provider-reported prompt tokens.
	OutputTokens int64            `json:"output_tokens"` // Provider-reported completion tokens.
	CostMicros   int64            `json:"cost_micros"`   // Cost charged to the group.
	DurationMs   int64            `json:"duration_ms"`   // Successful attempt duration.
	Attempts     int              `json:"attempts"`      // Total attempts including the success.
}

// Router orchestrates the routing core.
type Router struct {
	db         *gorm.DB
	resolver   *resolver.Resolver
	monitor    *health.Monitor
	enforcer   *quota.Enforcer
	controller *fallback.Controller
	registry   *provider.Registry
	pricer     *billing.Pricer
	state      store.StateStore
	now        func() time.Time
}

// NewRouter wires the routing core together.
func NewRouter(db *gorm.DB, res *resolver.Resolver, monitor *health.Monitor, enforcer *quota.Enforcer,
	controller *fallback.Controller, registry *provider.Registry, pricer *billing.Pricer, state store.StateStore) *Router {
	return &Router{
		db:         db,
		resolver:   res,
		monitor:    monitor,
		enforcer:   enforcer,
		controller: controller,
		registry:   registry,
		pricer:     pricer,
		state:      state,
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (r *Router) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// attemptTrace is one line of the exhaustion diagnostic trail.
type attemptTrace struct {
	model     string
	accountID uint64
	err       error
}

// RouteRequest executes one logical request. Configuration and admission
// errors surface immediately; transient provider failures walk the fallback
// chain and only surface as an exhaustion error with a diagnostic trail.
func (r *Router) RouteRequest(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Chat == nil || len(req.Chat.Messages) == 0 {
		return nil, fmt.Errorf("router: empty request")
	}
	serviceType := req.ServiceType
	if serviceType == "" {
		serviceType = "chat"
	}
	requestID := uuid.NewString()

	cfg, errConfig := r.modelConfig(ctx, req.GroupID, serviceType)
	if errConfig != nil {
		return nil, errConfig
	}

	candidates, errResolve := r.resolver.ResolveCandidates(ctx, req.GroupID, serviceType)
	if errResolve != nil {
		return nil, errResolve
	}

	session, errBegin := r.controller.Begin(ctx, cfg, requestID, r.primaryScore(cfg, candidates))
	if errBegin != nil {
		return nil, errBegin
	}

	var trail []attemptTrace
	var lastErr error
	candidateIdx := session.Tier() % len(candidates)
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, errCtx
		}

		model := session.Current()
		account := candidates[candidateIdx%len(candidates)]
		candidateIdx++

		result, errAttempt := r.attempt(ctx, requestID, req, cfg, session, model, &account)
		if errAttempt == nil {
			result.Attempts = session.Attempts() + 1
			r.controller.Complete(ctx, session)
			return result, nil
		}
		if routing.IsAdmission(errAttempt) || routing.IsConfiguration(errAttempt) {
			return nil, errAttempt
		}
		if ctx.Err() != nil && !errors.Is(errAttempt, context.DeadlineExceeded) {
			// Caller went away mid-request; the reservation is already released.
			return nil, ctx.Err()
		}

		lastErr = errAttempt
		trail = append(trail, attemptTrace{model: model, accountID: account.ID, err: errAttempt})

		accountID := account.ID
		if _, ok := r.controller.Advance(ctx, session, fallback.Attempt{
			AccountID:  &accountID,
			Err:        errAttempt,
			DurationMs: attemptDuration(errAttempt),
		}); !ok {
			if cfg.FailoverTrigger == models.TriggerManual && len(trail) == 1 {
				return nil, routing.NewError(routing.CodeUpstreamError, sanitizeError(lastErr), lastErr)
			}
			return nil, routing.NewError(routing.CodeAllCandidatesExhausted, formatTrail(trail), lastErr)
		}
	}
}

// attempt runs one reserve/dispatch/commit cycle against a single
// (model, account) pair. The reservation is never held across the network
// wait without a bounded timeout, and a canceled attempt that produced no
// response releases instead of committing.
func (r *Router) attempt(ctx context.Context, requestID string, req *Request, cfg *models.ModelConfig,
	session *fallback.Session, model string, account *models.ProviderAccount) (*Result, error) {

	estimatedTokens := req.Chat.EstimateTokens()
	estimatedMicros := r.pricer.EstimateMicros(ctx, account.Platform, model, estimatedTokens)

	reservation, errReserve := r.enforcer.CheckAndReserve(ctx, req.GroupID, estimatedTokens, estimatedMicros)
	if errReserve != nil {
		return nil, errReserve
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	r.monitor.Acquire(account.ID)
	started := r.now()
	resp, errDispatch := r.registry.Dispatch(dispatchCtx, account, model, req.Chat)
	durationMs := r.now().Sub(started).Milliseconds()
	r.monitor.Release(account.ID)

	if errDispatch != nil {
		r.monitor.RecordOutcome(model, account.ID, false, durationMs)

		var upstreamErr *provider.Error
		if errors.As(errDispatch, &upstreamErr) {
			// The provider answered, so the attempt is billable audit-wise
			// even though it carries no cost.
			statusCode := upstreamErr.StatusCode
			if errCommit := r.enforcer.Commit(ctx, reservation, quota.CommitInput{
				RequestID:       requestID,
				UserID:          req.UserID,
				AccountID:       &account.ID,
				Platform:        account.Platform,
				Model:           model,
				Failed:          true,
				ErrorStatusCode: &statusCode,
				ErrorMessage:    upstreamErr.Message,
				RequestedAt:     started,
				DurationMs:      durationMs,
			}); errCommit != nil {
				log.WithError(errCommit).WithField("request_id", requestID).Warn("router: failed-attempt commit")
			}
			return nil, &timedError{err: errDispatch, durationMs: durationMs}
		}

		// Transport failure or timeout; no response ever arrived. Release
		// logs its own failures.
		_ = r.enforcer.Release(ctx, reservation)
		return nil, &timedError{err: errDispatch, durationMs: durationMs}
	}

	r.monitor.RecordOutcome(model, account.ID, true, durationMs)
	if errTouch := r.state.TouchAccount(ctx, account.ID, r.now()); errTouch != nil {
		log.WithError(errTouch).WithField("account_id", account.ID).Debug("router: touch account")
	}

	costMicros := r.pricer.CostMicros(ctx, account.Platform, resp.Model, resp.InputTokens, resp.OutputTokens)
	if errCommit := r.enforcer.Commit(ctx, reservation, quota.CommitInput{
		RequestID:    requestID,
		UserID:       req.UserID,
		AccountID:    &account.ID,
		Platform:     account.Platform,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostMicros:   costMicros,
		RequestedAt:  started,
		DurationMs:   durationMs,
	}); errCommit != nil {
		log.WithError(errCommit).WithField("request_id", requestID).Error("router: success commit")
	}

	return &Result{
		RequestID:    requestID,
		Message:      resp.Message,
		Model:        resp.Model,
		AccountID:    account.ID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostMicros:   costMicros,
		DurationMs:   durationMs,
	}, nil
}

// modelConfig loads the group's policy for the service type.
func (r *Router) modelConfig(ctx context.Context, groupID uint64, serviceType string) (*models.ModelConfig, error) {
	var cfg models.ModelConfig
	if errFind := r.db.WithContext(ctx).
		Where("group_id = ? AND service_type = ?", groupID, serviceType).
		First(&cfg).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, routing.NewError(routing.CodeNoModelConfigured,
				fmt.Sprintf("group %d has no model configuration for %s", groupID, serviceType), nil)
		}
		return nil, errFind
	}
	return &cfg, nil
}

// primaryScore is the best health score for the primary model across the
// candidate pool; it feeds the failback decision.
func (r *Router) primaryScore(cfg *models.ModelConfig, candidates []models.ProviderAccount) int {
	best := 0
	for _, account := range candidates {
		if score := r.monitor.Score(cfg.PrimaryModel, account.ID); score > best {
			best = score
		}
	}
	return best
}

// timedError carries the attempt duration alongside the failure so the
// audit row can record it.
type timedError struct {
	err        error
	durationMs int64
}

func (e *timedError) Error() string { return e.err.Error() }

func (e *timedError) Unwrap() error { return e.err }

func attemptDuration(err error) int64 {
	var timed *timedError
	if errors.As(err, &timed) {
		return timed.durationMs
	}
	return 0
}

func sanitizeError(err error) string {
	var upstreamErr *provider.Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "attempt timed out"
	}
	return "upstream dispatch failed"
}

func formatTrail(trail []attemptTrace) string {
	parts := make([]string, 0, len(trail))
	for _, step := range trail {
		parts = append(parts, fmt.Sprintf("%s@%d: %s", step.model, step.accountID, sanitizeError(step.err)))
	}
	return "all candidates exhausted: " + strings.Join(parts, "; ")
}
