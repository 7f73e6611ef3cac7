// Package api is C7: the HTTP request surface, adapted from the teacher's
// internal/gateway/gateway.go — same rate-limit/tracing middleware shape,
// same gin.Engine-per-process structure — but built around exactly one
// scoring operation instead of a REST resource tree, since §4.1 only
// defines one caller-facing endpoint plus admin/ops surfaces.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fraudshield/decisionengine/internal/adminauth"
	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/domain"
	"github.com/fraudshield/decisionengine/internal/idempotency"
	"github.com/fraudshield/decisionengine/internal/metrics"
	"github.com/fraudshield/decisionengine/internal/orchestrator"
	"github.com/fraudshield/decisionengine/internal/publisher"
	"github.com/fraudshield/decisionengine/internal/repository"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
)

// ReadyChecker reports whether a dependency is currently usable. §4.1
// requires /ready to report healthy only when every one of these does.
type ReadyChecker func(ctx context.Context) bool

// Server owns the gin router and every dependency a handler touches.
type Server struct {
	router   *gin.Engine
	engine   *orchestrator.Engine
	verifier *adminauth.Verifier
	limiter  *RateLimiter
	stream   *Broadcaster
	ruleset  *rules.CompiledRuleSet
	lists    *rules.ListStore
	sink     *metrics.Sink
	cfg      config.Config
	checkers map[string]ReadyChecker
}

// New builds a Server with routes installed.
func New(
	cfg config.Config,
	engine *orchestrator.Engine,
	verifier *adminauth.Verifier,
	ruleset *rules.CompiledRuleSet,
	lists *rules.ListStore,
	sink *metrics.Sink,
	checkers map[string]ReadyChecker,
) *Server {
	s := &Server{
		router:   gin.New(),
		engine:   engine,
		verifier: verifier,
		limiter:  NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		stream:   NewBroadcaster(cfg.StreamBufferSize),
		ruleset:  ruleset,
		lists:    lists,
		sink:     sink,
		cfg:      cfg,
		checkers: checkers,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.readyCheck)
	s.router.GET("/metrics", s.metricsHandler)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/score", s.score)
	}

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.POST("/rules/reload", s.reloadRules)
		admin.POST("/lists/reload", s.reloadLists)
		admin.GET("/stream", s.streamDecisions)
	}
}

// Router exposes the underlying gin.Engine for cmd/decisionengine to run.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limit_exceeded",
				"retry_after_seconds": 1,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.verifier.Verify(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("admin_claims", claims)
		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) readyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	statuses := make(gin.H, len(s.checkers))
	allReady := true
	for name, check := range s.checkers {
		ok := check(ctx)
		statuses[name] = ok
		allReady = allReady && ok
	}

	if !allReady {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "dependencies": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "dependencies": statuses})
}

func (s *Server) metricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.sink.Snapshot())
}

func (s *Server) score(c *gin.Context) {
	var ev domain.TransactionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		if s.sink != nil {
			s.sink.IncrementError("validation_error")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestDeadline)
	defer cancel()

	decision, err := s.engine.Score(ctx, ev)
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": verr.Error()})
			return
		}

		// PersistenceError (§4.5 step 3 write failure): surface 500 and stop
		// here — no downstream scoring already happened, and the caller must
		// not see a decision for an event that was never durably recorded.
		var perr *orchestrator.PersistenceError
		if errors.As(err, &perr) {
			correlationID, _ := c.Get("correlation_id")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence_error", "correlation_id": correlationID})
			return
		}

		if s.sink != nil {
			s.sink.IncrementError("internal_error")
		}
		correlationID, _ := c.Get("correlation_id")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "correlation_id": correlationID})
		return
	}

	if s.sink != nil {
		s.sink.RecordDecision(decision)
	}
	s.stream.Publish(decision)

	c.JSON(http.StatusOK, decision)
}

func (s *Server) reloadRules(c *gin.Context) {
	claims := c.MustGet("admin_claims").(*adminauth.Claims)
	if !claims.HasPermission("rules:reload") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var doc domain.RuleSetDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	count, err := s.ruleset.Load(doc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule_compile_error", "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules_loaded": count})
}

type listReloadRequest struct {
	ListName string              `json:"list_name" binding:"required"`
	Entries  []domain.ListEntry `json:"entries"`
}

func (s *Server) reloadLists(c *gin.Context) {
	claims := c.MustGet("admin_claims").(*adminauth.Claims)
	if !claims.HasPermission("lists:reload") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var req listReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "detail": err.Error()})
		return
	}

	if err := s.lists.ReplaceList(c.Request.Context(), req.ListName, req.Entries); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fallback_used", "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"list_name": req.ListName, "entries_loaded": len(req.Entries)})
}

func (s *Server) streamDecisions(c *gin.Context) {
	claims := c.MustGet("admin_claims").(*adminauth.Claims)
	if !claims.HasPermission("stream:read") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	s.stream.HandleUpgrade(c.Writer, c.Request)
}

// CheckersFor builds the standard readiness checker set from the engine's
// dependencies, keyed by name for the /ready response body. Per §4.1, /ready
// reports healthy only when C1 (idempotency_store), C2 (repository), C4
// (ml_scorer), and C5 (rules_evaluator) all report ready; publisher is
// included too since an unreachable downstream topic is operationally
// relevant even though §4.1 doesn't name C3 explicitly.
func CheckersFor(idem *idempotency.Store, repo *repository.Repository, pub *publisher.Publisher, scor *scorer.Client, lists *rules.ListStore) map[string]ReadyChecker {
	return map[string]ReadyChecker{
		"idempotency_store": func(ctx context.Context) bool { return idem.Ready(ctx) },
		"repository":        func(ctx context.Context) bool { return repo.Ready(ctx) },
		"publisher":         func(ctx context.Context) bool { return pub.Ready() },
		"ml_scorer":         func(ctx context.Context) bool { return scor.Ready() },
		"rules_evaluator":   func(ctx context.Context) bool { return lists.Ready(ctx) },
	}
}
