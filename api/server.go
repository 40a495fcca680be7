// Package api exposes the engine over HTTP: signal intake, status readouts
// and the admin surface for runtime flags and limits.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"optra/engine"
	"optra/featureflag"
	"optra/risk"
)

// Server wraps the gin router and the engine it fronts.
type Server struct {
	engine *engine.Engine
	router *gin.Engine
	port   int
	http   *http.Server
}

// NewServer builds the router. Pass port 0 in tests; Start is never called
// there.
func NewServer(e *engine.Engine, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: e,
		router: gin.New(),
		port:   port,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/risk", s.handleRisk)
		api.GET("/positions", s.handlePositions)
		api.GET("/reconciliation", s.handleReconciliation)
		api.POST("/reconciliation/run", s.handleReconcileNow)
		api.POST("/signal", s.handleSignal)
		api.POST("/positions/:id/exit", s.handleExit)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/feature-flags", s.handleFeatureFlags)
		admin.POST("/limits", s.handleLimits)
	}
}

// Start serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on :%d", s.port)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	snapshot, limits := s.engine.GetRiskStatus()
	c.JSON(http.StatusOK, gin.H{
		"risk":           snapshot,
		"limits":         limits,
		"flags":          s.engine.Flags().Snapshot(),
		"gate":           s.engine.Gate().Stats(),
		"reconciliation": s.engine.GetReconciliationStats(),
	})
}

func (s *Server) handleRisk(c *gin.Context) {
	snapshot, limits := s.engine.GetRiskStatus()
	c.JSON(http.StatusOK, gin.H{"risk": snapshot, "limits": limits})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Ledger().OpenPositions()})
}

func (s *Server) handleReconciliation(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetReconciliationStats())
}

func (s *Server) handleReconcileNow(c *gin.Context) {
	if err := s.engine.Reconciler().ReconcileOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.GetReconciliationStats())
}

func (s *Server) handleSignal(c *gin.Context) {
	var sig engine.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.ProcessSignal(c.Request.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrMarketClosed),
			errors.Is(err, engine.ErrTradingPaused),
			errors.Is(err, engine.ErrAdmissionBlocked),
			errors.Is(err, engine.ErrSlippageReject):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExit(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "MANUAL"
	}

	if err := s.engine.RequestExit(c.Request.Context(), c.Param("id"), body.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position_id": c.Param("id"), "reason": body.Reason})
}

// handleFeatureFlags patches the runtime flag set. An empty body returns the
// current snapshot unchanged.
func (s *Server) handleFeatureFlags(c *gin.Context) {
	flags := s.engine.Flags()

	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		c.JSON(http.StatusOK, gin.H{"flags": flags.Snapshot()})
		return
	}

	var update featureflag.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags.Apply(update)})
}

func (s *Server) handleLimits(c *gin.Context) {
	var limits risk.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if limits.MaxOpenPositions <= 0 || limits.MaxExposure <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_open_positions and max_exposure must be positive"})
		return
	}

	s.engine.Ledger().UpdateLimits(limits)
	c.JSON(http.StatusOK, gin.H{"limits": s.engine.Ledger().Limits()})
}
