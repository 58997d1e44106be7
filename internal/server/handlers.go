package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/keymux/internal/admission"
	"github.com/mbd888/keymux/internal/auth"
	"github.com/mbd888/keymux/internal/keystore"
	"github.com/mbd888/keymux/internal/lock"
	"github.com/mbd888/keymux/internal/logging"
	"github.com/mbd888/keymux/internal/metrics"
	"github.com/mbd888/keymux/internal/pagination"
	"github.com/mbd888/keymux/internal/pool"
	"github.com/mbd888/keymux/internal/settings"
	"github.com/mbd888/keymux/internal/validation"
)

// defaultGroup is where keys land when no group is named.
const defaultGroup = "default"

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming (masked keys only)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group. One operator token guards the whole surface: the
	// data plane and the control plane belong to the same trusted fleet.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.cfg.AdminToken))
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	// Data plane: selection, outcome reports, admission
	v1.GET("/keys/get", s.getKeyHandler)
	v1.POST("/keys/status", s.reportOutcomeHandler)
	v1.POST("/admission/acquire", s.acquireLeaseHandler)
	v1.POST("/admission/release", s.releaseLeaseHandler)

	// Control plane: key management
	v1.GET("/keys", s.listKeysHandler)
	v1.POST("/keys", s.addKeyHandler)
	v1.GET("/keys/:id", s.getKeyByIDHandler)
	v1.PUT("/keys/:id", s.updateKeyHandler)
	v1.DELETE("/keys/:id", s.deleteKeyHandler)
	v1.POST("/keys/:id/enable", s.enableKeyHandler)
	v1.POST("/keys/:id/disable", s.disableKeyHandler)

	// Observation
	v1.GET("/pool/status", s.poolStatusHandler)
	v1.GET("/audit", s.auditHandler)

	// Runtime settings
	v1.GET("/settings", s.getSettingsHandler)
	v1.PUT("/settings", s.putSettingHandler)
	v1.DELETE("/settings/:name", s.deleteSettingHandler)
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "keymux",
		"description": "API key pool coordination engine",
		"version":     "0.1.0",
		"streaming":   s.hub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Data plane
// -----------------------------------------------------------------------------

// getKeyHandler handles GET /v1/keys/get, the selection call sitting on
// every proxied request. The response carries the raw secret; that is
// the point of the call.
func (s *Server) getKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	group := c.Query("group")
	if errs := validation.Validate(validation.ValidGroup("group", group)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if group == "" {
		group = defaultGroup
	}

	k, err := s.pool.GetKey(ctx, group)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrNoAvailableKey):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "no_available_key",
				"message": "Every key in this group is cooling down or disabled.",
			})
		case errors.Is(err, lock.ErrUnavailable):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "selection_busy",
				"message": "Selection lock is contended. Retry shortly.",
			})
		default:
			logging.L(ctx).Error("key selection failed", "group", group, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to select a key",
			})
		}
		return
	}

	c.JSON(http.StatusOK, k)
}

// reportOutcomeHandler handles POST /v1/keys/status
func (s *Server) reportOutcomeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Key  string `json:"key" binding:"required"`
		Code int    `json:"code" binding:"required"`
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidSecret("key", req.Key),
		validation.ValidStatusCode("code", req.Code),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)

	rep, err := s.pool.ReportOutcome(ctx, req.Key, req.Code, req.Note)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(ctx).Error("outcome report failed",
			"key", keystore.Mask(req.Key), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record outcome",
		})
		return
	}

	c.JSON(http.StatusOK, rep)
}

// acquireLeaseHandler handles POST /v1/admission/acquire
func (s *Server) acquireLeaseHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Key           string `json:"key" binding:"required"`
		MaxConcurrent int    `json:"maxConcurrent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.MaxConcurrent < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "maxConcurrent must not be negative",
		})
		return
	}

	leaseID, err := s.pool.Admit(ctx, req.Key, req.MaxConcurrent)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
		case errors.Is(err, admission.ErrTooManyRequests):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "too_many_requests",
				"message": "Key is at its concurrency ceiling.",
			})
		default:
			logging.L(ctx).Error("lease acquire failed",
				"key", keystore.Mask(req.Key), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to acquire lease",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaseId": leaseID})
}

// releaseLeaseHandler handles POST /v1/admission/release. Releasing an
// unknown lease reports released=false rather than an error, so callers
// whose lease was already reaped can release unconditionally.
func (s *Server) releaseLeaseHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Key     string `json:"key" binding:"required"`
		LeaseID string `json:"leaseId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	released, err := s.pool.ReleaseLease(ctx, req.Key, req.LeaseID)
	if err != nil {
		logging.L(ctx).Error("lease release failed",
			"key", keystore.Mask(req.Key), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to release lease",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": released})
}

// -----------------------------------------------------------------------------
// Control plane
// -----------------------------------------------------------------------------

// paramID reads the :id param, already shape-checked by middleware.
func paramID(c *gin.Context) int64 {
	n, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	return n
}

func (s *Server) listKeysHandler(c *gin.Context) {
	ctx := c.Request.Context()

	group := c.Query("group")
	if errs := validation.Validate(validation.ValidGroup("group", group)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	keys, err := s.pool.List(ctx, group)
	if err != nil {
		logging.L(ctx).Error("key listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*keystore.Key{}
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (s *Server) addKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Key    string `json:"key" binding:"required"`
		Name   string `json:"name"`
		Group  string `json:"group"`
		Weight *int   `json:"weight"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidSecret("key", req.Key),
		validation.ValidGroup("group", req.Group),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)
	if req.Group == "" {
		req.Group = defaultGroup
	}

	// Weight defaults to 1 (normal tier); an explicit 0 puts the key in
	// the fallback tier.
	weight := 1
	if req.Weight != nil {
		if *req.Weight < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "weight must not be negative",
			})
			return
		}
		weight = *req.Weight
	}

	k, err := s.pool.AddKey(ctx, req.Key, req.Name, req.Group, weight)
	if err != nil {
		if errors.Is(err, keystore.ErrDuplicateKey) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "key_exists",
				"message": "A key with this secret is already registered",
			})
			return
		}
		logging.L(ctx).Error("key registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register key",
		})
		return
	}

	c.JSON(http.StatusCreated, k)
}

func (s *Server) getKeyByIDHandler(c *gin.Context) {
	k, err := s.pool.Key(c.Request.Context(), paramID(c))
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(c.Request.Context()).Error("key lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to look up key",
		})
		return
	}
	c.JSON(http.StatusOK, k)
}

func (s *Server) updateKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name   *string `json:"name"`
		Group  *string `json:"group"`
		Weight *int    `json:"weight"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Group != nil {
		if errs := validation.Validate(validation.ValidGroup("group", *req.Group)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
			return
		}
		if *req.Group == "" {
			*req.Group = defaultGroup
		}
	}
	if req.Name != nil {
		sanitized := validation.SanitizeString(*req.Name, 200)
		req.Name = &sanitized
	}
	if req.Weight != nil && *req.Weight < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "weight must not be negative",
		})
		return
	}

	k, err := s.pool.UpdateKey(ctx, paramID(c), keystore.KeyUpdate{
		Name:   req.Name,
		Group:  req.Group,
		Weight: req.Weight,
	})
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(ctx).Error("key update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update key",
		})
		return
	}

	c.JSON(http.StatusOK, k)
}

func (s *Server) deleteKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.pool.DeleteKey(ctx, paramID(c)); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(ctx).Error("key deletion failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) enableKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)

	if err := s.pool.Enable(ctx, paramID(c), req.Note); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(ctx).Error("key enable failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to enable key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(keystore.StatusEnabled)})
}

func (s *Server) disableKeyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)

	if err := s.pool.Disable(ctx, paramID(c), req.Note); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "No such key in the pool",
			})
			return
		}
		logging.L(ctx).Error("key disable failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to disable key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(keystore.StatusDisabled)})
}

// -----------------------------------------------------------------------------
// Observation
// -----------------------------------------------------------------------------

// poolStatusHandler handles GET /v1/pool/status. Secrets are masked:
// the status page is for eyes, not for use.
func (s *Server) poolStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	ov, err := s.pool.Overview(ctx)
	if err != nil {
		logging.L(ctx).Error("pool overview failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build pool status",
		})
		return
	}

	groups := make([]gin.H, len(ov.Groups))
	for i, g := range ov.Groups {
		active := ""
		if g.ActiveKey != "" {
			active = keystore.Mask(g.ActiveKey)
		}
		groups[i] = gin.H{
			"group":     g.Group,
			"total":     g.Total,
			"enabled":   g.Enabled,
			"cooldown":  g.Cooldown,
			"disabled":  g.Disabled,
			"activeKey": active,
		}
	}

	suspended := make([]gin.H, len(ov.Suspended))
	for i, sk := range ov.Suspended {
		suspended[i] = gin.H{
			"key":              keystore.Mask(sk.Key),
			"remainingSeconds": int(sk.Remaining.Round(time.Second).Seconds()),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"groups":    groups,
		"suspended": suspended,
		"inFlight":  ov.InFlight,
	})
}

// auditHandler handles GET /v1/audit with cursor pagination, newest
// first. Keys come back masked.
func (s *Server) auditHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}

	q := keystore.AuditQuery{
		Key:    c.Query("key"),
		Action: c.Query("action"),
		Limit:  limit + 1, // one extra row decides hasMore
	}

	cur, ok, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}
	if ok {
		q.BeforeAt = cur.At
		q.BeforeID = cur.ID
	}

	entries, err := s.pool.Audit(ctx, q)
	if err != nil {
		logging.L(ctx).Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit log",
		})
		return
	}

	page, next, more := pagination.Trim(entries, limit,
		func(e *keystore.AuditEntry) pagination.Cursor {
			return pagination.Cursor{At: e.CreatedAt, ID: e.ID}
		})

	out := make([]gin.H, len(page))
	for i, e := range page {
		out[i] = gin.H{
			"id":        e.ID,
			"key":       keystore.Mask(e.Key),
			"action":    e.Action,
			"code":      e.Code,
			"note":      e.Note,
			"createdAt": e.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    out,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func (s *Server) getSettingsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	stored, err := s.settingsStore.All(ctx)
	if err != nil {
		logging.L(ctx).Error("settings read failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read settings",
		})
		return
	}

	// "settings" is what operators wrote; "effective" folds in defaults.
	c.JSON(http.StatusOK, gin.H{
		"settings": stored,
		"effective": gin.H{
			settings.NameCooldownSeconds: int(s.settings.CooldownDuration(ctx).Seconds()),
			settings.NameDisableCodes:    settings.FormatCodes(s.settings.DisableCodes(ctx)),
			settings.NameCooldownCodes:   settings.FormatCodes(s.settings.CooldownCodes(ctx)),
			settings.NameStrategy:        s.settings.Strategy(ctx),
			settings.NameMaxConcurrent:   s.settings.MaxConcurrent(ctx),
		},
	})
}

func (s *Server) putSettingHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name  string `json:"name" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := validateSetting(req.Name, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_setting",
			"message": err.Error(),
		})
		return
	}

	if err := s.settingsStore.Set(ctx, req.Name, req.Value); err != nil {
		logging.L(ctx).Error("setting write failed", "name", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store setting",
		})
		return
	}

	s.settings.Invalidate()
	s.hub.BroadcastSettingsChanged(req.Name, req.Value)
	logging.L(ctx).Info("setting changed", "name", req.Name, "value", req.Value)

	c.JSON(http.StatusOK, gin.H{"name": req.Name, "value": req.Value})
}

// deleteSettingHandler handles DELETE /v1/settings/:name. Removing a
// row reverts the setting to its deployment default.
func (s *Server) deleteSettingHandler(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	if err := s.settingsStore.Delete(ctx, name); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such setting",
			})
			return
		}
		logging.L(ctx).Error("setting delete failed", "name", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete setting",
		})
		return
	}

	s.settings.Invalidate()
	s.hub.BroadcastSettingsChanged(name, "")
	logging.L(ctx).Info("setting reverted to default", "name", name)

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// validateSetting checks a name/value pair against the known tunables.
func validateSetting(name, value string) error {
	switch name {
	case settings.NameCooldownSeconds:
		if n, err := strconv.Atoi(value); err != nil || n <= 0 {
			return errors.New("cooldown_seconds must be a positive integer")
		}
	case settings.NameDisableCodes, settings.NameCooldownCodes:
		if _, err := settings.ParseCodes(value); err != nil {
			return err
		}
	case settings.NameStrategy:
		if value != settings.StrategySticky && value != settings.StrategyRoundRobin {
			return errors.New(`selection_strategy must be "sticky" or "round_robin"`)
		}
	case settings.NameMaxConcurrent:
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			return errors.New("max_concurrent must be a non-negative integer")
		}
	default:
		return errors.New("unknown setting name")
	}
	return nil
}
