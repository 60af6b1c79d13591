package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/api/websocket"
	"github.com/KevinKickass/OpenPSU/internal/auth"
	"github.com/KevinKickass/OpenPSU/internal/config"
	"github.com/KevinKickass/OpenPSU/internal/interfaces"
)

type Server struct {
	router         *gin.Engine
	lm             interfaces.LifecycleManager
	logger         *zap.Logger
	server         *http.Server
	wsHub          *websocket.Hub
	authService    *auth.AuthService
	metricsHandler http.Handler
	metricsPath    string

	shutdownTimeout time.Duration
}

// NewServer builds the router. metricsHandler may be nil when metrics are
// disabled.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:         gin.New(),
		lm:             lm,
		logger:         logger,
		wsHub:          wsHub,
		authService:    authService,
		metricsHandler: metricsHandler,
		metricsPath:    cfg.Metrics.Path,

		shutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}

	s.setupRoutes(cfg.Server.AllowedOrigins)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(allowedOrigins []string) {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware(allowedOrigins))

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.metricsHandler != nil && s.metricsPath != "" {
		s.router.GET(s.metricsPath, gin.WrapH(s.metricsHandler))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== PSU ====================
		psu := v1.Group("/psu")
		psu.Use(s.authService.AuthMiddleware())
		{
			// Read operations: viewer+
			psu.GET("/state", auth.RequirePermission(auth.PermRead), s.getState)
			psu.GET("/status", auth.RequirePermission(auth.PermRead), s.getStatus)
			psu.GET("/status/:field", auth.RequirePermission(auth.PermRead), s.getStatusField)
			psu.GET("/ports", auth.RequirePermission(auth.PermRead), s.listPorts)

			// Control operations: operator
			psu.POST("/voltage", auth.RequirePermission(auth.PermControl), s.setVoltage)
			psu.POST("/current", auth.RequirePermission(auth.PermControl), s.setCurrent)
			psu.POST("/output", auth.RequirePermission(auth.PermControl), s.setOutput)
			psu.POST("/protection/voltage", auth.RequirePermission(auth.PermControl), s.setVoltageProtect)
			psu.POST("/protection/current", auth.RequirePermission(auth.PermControl), s.setCurrentProtect)
			psu.POST("/reporting", auth.RequirePermission(auth.PermControl), s.setReporting)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		system.Use(auth.RequirePermission(auth.PermRead))
		{
			system.GET("/status", s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermControl), s.shutdown)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()

	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status.State,
		"connected": status.Connected,
		"timestamp": time.Now().Unix(),
	})
}
