package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/khryptorgraphics/taskmesh/internal/config"
	"github.com/khryptorgraphics/taskmesh/pkg/auth"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
	"github.com/khryptorgraphics/taskmesh/pkg/scheduler"
)

// Server is the HTTP control plane for the task cluster: task
// submission and status, worker listing and drain, cluster
// configuration, and the audit/metrics surfaces operators poll.
type Server struct {
	config    *config.Config
	db        *database.DatabaseManager
	scheduler *scheduler.Scheduler
	jwtSvc    *auth.JWTService
	rbac      *auth.RBAC
	authMW    *auth.AuthMiddleware
	logger    *slog.Logger
	server    *http.Server
	websocket *WebSocketHub
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, db *database.DatabaseManager, sched *scheduler.Scheduler, logger *slog.Logger) (*Server, error) {
	jwtSvc, err := auth.NewJWTService(&cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}

	rbac := auth.NewRBAC()
	websocketHub := NewWebSocketHub(logger)

	server := &Server{
		config:    cfg,
		db:        db,
		scheduler: sched,
		jwtSvc:    jwtSvc,
		rbac:      rbac,
		authMW:    auth.NewAuthMiddleware(jwtSvc, rbac),
		logger:    logger,
		websocket: websocketHub,
	}

	return server, nil
}

// Start starts the API server.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.server = &http.Server{
		Addr:         s.config.API.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.websocket.Run()

	s.logger.Info("starting API server",
		"address", s.config.API.Listen,
		"tls_enabled", s.config.API.TLSEnabled)

	if s.config.API.TLSEnabled {
		return s.server.ListenAndServeTLS(s.config.API.CertFile, s.config.API.KeyFile)
	}
	return s.server.ListenAndServe()
}

// RBAC exposes the server's role/user registry so a caller can seed
// accounts (e.g. a bootstrap admin) before Start is called.
func (s *Server) RBAC() *auth.RBAC {
	return s.rbac
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	s.websocket.Stop()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRouter configures the Gin router with middleware and routes.
func (s *Server) setupRouter() *gin.Engine {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.securityMiddleware())
	router.Use(s.requestSizeMiddleware())
	router.Use(s.contentTypeMiddleware())
	router.Use(s.auditMiddleware())

	if s.config.API.RateLimit.Enabled {
		router.Use(s.rateLimitMiddleware())
	}

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", s.metricsHandler)

	v1 := router.Group("/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", s.loginHandler)
			authGroup.POST("/register", s.registerHandler)
			authGroup.POST("/refresh", s.refreshTokenHandler)
		}

		tasks := v1.Group("/tasks")
		tasks.Use(s.authMW.RequireAuth())
		{
			tasks.POST("", s.authMW.RequirePermission(auth.PermissionTaskSubmit), s.submitTaskHandler)
			tasks.GET("", s.authMW.RequirePermission(auth.PermissionTaskRead), s.listTasksHandler)
			tasks.GET("/:id", s.authMW.RequirePermission(auth.PermissionTaskRead), s.getTaskHandler)
		}
		v1.GET("/tasks/stream", s.authMW.RequireAuth(), s.taskStreamHandler)

		nodes := v1.Group("/nodes")
		nodes.Use(s.authMW.RequireAuth())
		{
			nodes.GET("", s.authMW.RequirePermission(auth.PermissionNodeRead), s.listNodesHandler)
			nodes.POST("/:id/drain", s.authMW.RequirePermission(auth.PermissionNodeManage), s.drainNodeHandler)
		}

		system := v1.Group("/system")
		system.Use(s.authMW.RequireAuth())
		{
			system.GET("/config/:key", s.authMW.RequirePermission(auth.PermissionClusterRead), s.getSystemConfigHandler)
			system.PUT("/config/:key", s.authMW.RequirePermission(auth.PermissionSystemManage), s.updateSystemConfigHandler)
			system.GET("/stats", s.authMW.RequirePermission(auth.PermissionClusterRead), s.getSystemStatsHandler)
			system.GET("/audit", s.authMW.RequireRole(auth.RoleAdmin), s.getAuditLogsHandler)
		}
	}

	router.GET("/ws", s.websocketHandler)

	return router
}
