package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaypool/relaypool/internal/failoverlog"
	"github.com/relaypool/relaypool/internal/models"
	"github.com/relaypool/relaypool/internal/provider"
	"github.com/relaypool/relaypool/internal/router"
	"github.com/relaypool/relaypool/internal/routing"
	"github.com/relaypool/relaypool/internal/security"
	"github.com/relaypool/relaypool/internal/settings"
	log "github.com/sirupsen/logrus"
)

// chatRequest is the inbound chat payload.
type chatRequest struct {
	ServiceType string             `json:"service_type"`
	Messages    []provider.Message `json:"messages" binding:"required"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
}

// handleChat routes one chat request through the engine.
func (s *Server) handleChat(c *gin.Context) {
	var payload chatRequest
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	userID := getUserID(c)
	result, errRoute := s.router.RouteRequest(c.Request.Context(), &router.Request{
		GroupID:     getGroupID(c),
		UserID:      &userID,
		ServiceType: payload.ServiceType,
		Chat: &provider.ChatRequest{
			Messages:    payload.Messages,
			MaxTokens:   payload.MaxTokens,
			Temperature: payload.Temperature,
		},
	})
	if errRoute != nil {
		status, body := routingErrorResponse(errRoute)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// routingErrorResponse maps the routing taxonomy onto HTTP statuses.
func routingErrorResponse(err error) (int, gin.H) {
	code := routing.CodeOf(err)
	body := gin.H{"error": gin.H{"code": string(code), "message": err.Error()}}
	switch code {
	case routing.CodeQuotaExceeded:
		return http.StatusTooManyRequests, body
	case routing.CodeBudgetExceeded:
		return http.StatusPaymentRequired, body
	case routing.CodeNoBindingConfigured, routing.CodeNoModelConfigured:
		return http.StatusUnprocessableEntity, body
	case routing.CodeNoEligibleAccount:
		return http.StatusServiceUnavailable, body
	case routing.CodeAllCandidatesExhausted, routing.CodeUpstreamError:
		return http.StatusBadGateway, body
	}
	log.WithError(err).Error("chat routing failed")
	return http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "internal error"}}
}

// handleListFailoverLogs serves the paginated failover audit trail.
func (s *Server) handleListFailoverLogs(c *gin.Context) {
	filter := failoverlog.Filter{
		GroupID:     queryUint(c, "group_id"),
		ServiceType: c.Query("service_type"),
		Reason:      models.FailoverReason(c.Query("reason")),
		Page:        int(queryUint(c, "page")),
		PageSize:    int(queryUint(c, "page_size")),
	}
	if from, errParse := time.Parse(time.RFC3339, c.Query("from")); errParse == nil {
		filter.From = from
	}
	if to, errParse := time.Parse(time.RFC3339, c.Query("to")); errParse == nil {
		filter.To = to
	}

	rows, total, errList := s.logs.List(c.Request.Context(), filter)
	if errList != nil {
		log.WithError(errList).Error("list failover logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "items": rows})
}

// handleHealthScore reports the live score for one (model, account) pair.
func (s *Server) handleHealthScore(c *gin.Context) {
	model := c.Query("model")
	accountID := queryUint(c, "account_id")
	if model == "" || accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and account_id are required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":              model,
		"account_id":         accountID,
		"score":              s.monitor.Score(model, accountID),
		"active_connections": s.monitor.ActiveConnections(accountID),
		"error_rate":         s.monitor.AccountErrorRate(accountID),
	})
}

// allocationRequest triggers one allocation run.
type allocationRequest struct {
	GroupID     uint64    `json:"group_id" binding:"required"`
	RuleID      uint64    `json:"rule_id"`
	PeriodStart time.Time `json:"period_start" binding:"required"`
	PeriodEnd   time.Time `json:"period_end" binding:"required"`
}

// handleRunAllocation computes and stores an allocation report. When no
// rule is named, the group's enabled rule applies, falling back to the
// configured default rule type.
func (s *Server) handleRunAllocation(c *gin.Context) {
	var payload allocationRequest
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	rule, errRule := s.allocationRule(c, payload)
	if errRule != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "allocation rule not found"})
		return
	}

	report, errAllocate := s.allocator.AllocateCosts(c.Request.Context(), payload.GroupID, rule, payload.PeriodStart, payload.PeriodEnd)
	if errAllocate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errAllocate.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) allocationRule(c *gin.Context, payload allocationRequest) (*models.AllocationRule, error) {
	var rule models.AllocationRule
	query := s.db.WithContext(c.Request.Context())
	if payload.RuleID > 0 {
		if errFind := query.First(&rule, payload.RuleID).Error; errFind != nil {
			return nil, errFind
		}
		return &rule, nil
	}
	errFind := query.
		Where("group_id = ? AND is_enabled = ?", payload.GroupID, true).
		Order("id ASC").
		First(&rule).Error
	if errFind == nil {
		return &rule, nil
	}
	// No stored rule; fall back to the deployment default.
	return &models.AllocationRule{
		GroupID:    payload.GroupID,
		Type:       settings.DefaultAllocationRuleType(),
		Parameters: []byte("{}"),
	}, nil
}

// handleListAllocations serves stored allocation reports for a group.
func (s *Server) handleListAllocations(c *gin.Context) {
	groupID := queryUint(c, "group_id")
	var reports []models.AllocationReport
	query := s.db.WithContext(c.Request.Context()).Order("id DESC").Limit(100)
	if groupID > 0 {
		query = query.Where("group_id = ?", groupID)
	}
	if errFind := query.Find(&reports).Error; errFind != nil {
		log.WithError(errFind).Error("list allocation reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": reports})
}

// pinRequest pins hybrid-trigger routing to a fixed fallback tier.
type pinRequest struct {
	GroupID     uint64 `json:"group_id" binding:"required"`
	ServiceType string `json:"service_type" binding:"required"`
	Tier        int    `json:"tier"`
}

// handlePinTier sets a manual fallback override.
func (s *Server) handlePinTier(c *gin.Context) {
	var payload pinRequest
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if errPin := s.controller.Pin(c.Request.Context(), payload.GroupID, payload.ServiceType, payload.Tier); errPin != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errPin.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pinned"})
}

// handleUnpinTier clears a manual fallback override.
func (s *Server) handleUnpinTier(c *gin.Context) {
	groupID := queryUint(c, "group_id")
	serviceType := c.Query("service_type")
	if groupID == 0 || serviceType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id and service_type are required"})
		return
	}
	if errUnpin := s.controller.Unpin(c.Request.Context(), groupID, serviceType); errUnpin != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errUnpin.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unpinned"})
}

// handleListBindings serves resource bindings for inspection.
func (s *Server) handleListBindings(c *gin.Context) {
	var bindings []models.ResourceBinding
	query := s.db.WithContext(c.Request.Context()).Order("id ASC")
	if groupID := queryUint(c, "group_id"); groupID > 0 {
		query = query.Where("group_id = ?", groupID)
	}
	if errFind := query.Find(&bindings).Error; errFind != nil {
		log.WithError(errFind).Error("list bindings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": bindings})
}

// handleListModelConfigs serves model configurations for inspection.
func (s *Server) handleListModelConfigs(c *gin.Context) {
	var configs []models.ModelConfig
	query := s.db.WithContext(c.Request.Context()).Order("id ASC")
	if groupID := queryUint(c, "group_id"); groupID > 0 {
		query = query.Where("group_id = ?", groupID)
	}
	if errFind := query.Find(&configs).Error; errFind != nil {
		log.WithError(errFind).Error("list model configs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": configs})
}

// createAPIKeyRequest mints a routing key for a user and group.
type createAPIKeyRequest struct {
	UserID    uint64     `json:"user_id" binding:"required"`
	GroupID   uint64     `json:"group_id" binding:"required"`
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleCreateAPIKey mints and stores a new API key.
func (s *Server) handleCreateAPIKey(c *gin.Context) {
	var payload createAPIKeyRequest
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		log.WithError(errGenerate).Error("generate api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}
	key := models.APIKey{
		UserID:    payload.UserID,
		GroupID:   payload.GroupID,
		Name:      payload.Name,
		APIKey:    token,
		Active:    true,
		ExpiresAt: payload.ExpiresAt,
	}
	if errCreate := s.db.WithContext(c.Request.Context()).Create(&key).Error; errCreate != nil {
		log.WithError(errCreate).Error("store api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": key.ID, "api_key": token})
}

// handleRefreshSettings reloads the DB-backed settings snapshot.
func (s *Server) handleRefreshSettings(c *gin.Context) {
	if errRefresh := settings.RefreshDBConfigSnapshot(c.Request.Context(), s.db); errRefresh != nil {
		log.WithError(errRefresh).Error("refresh settings snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated_at": settings.DBConfigUpdatedAt()})
}

// queryUint parses an unsigned integer query parameter, zero when absent.
func queryUint(c *gin.Context, name string) uint64 {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	value, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		return 0
	}
	return value
}
