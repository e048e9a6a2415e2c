// Package api serves the admin HTTP API of a gateway or relay node.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"robot-gateway-go/internal/api/docs"
	"robot-gateway-go/internal/api/handlers"
	"robot-gateway-go/internal/api/middleware"
	"robot-gateway-go/internal/config"
)

type Server struct {
	config  *config.Config
	backend handlers.Backend
	log     zerolog.Logger
	router  *gin.Engine
	server  *http.Server
}

// NewServer builds the router for backend. A backend that also
// implements handlers.CameraBackend or handlers.RelayBackend gets the
// matching routes.
func NewServer(cfg *config.Config, backend handlers.Backend, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  cfg,
		backend: backend,
		log:     logger.With().Str("component", "admin_api").Logger(),
		router:  gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.setupSwagger()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: s.router,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.log))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestContext())
	s.router.Use(middleware.Logger(s.log))
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	health := handlers.NewHealthHandler(s.config.NodeID, s.config.Version, s.backend)
	system := handlers.NewSystemHandler(s.config.NodeID, s.backend)

	s.router.GET("/", health.NodeInfo)
	s.router.GET("/health", health.HealthCheck)
	s.router.GET("/system/stats", system.GetStats)

	if cb, ok := s.backend.(handlers.CameraBackend); ok && s.backend.Kind() == "camera-gateway" {
		cameras := handlers.NewCameraHandler(cb)
		s.router.GET("/cameras", cameras.ListCameras)
		s.router.GET("/cameras/:id/frame", cameras.GetLatestFrame)
		s.router.GET("/cameras/:id/stream", cameras.StreamMJPEG)
		s.router.GET("/sessions", cameras.ListSessions)
	}

	if rb, ok := s.backend.(handlers.RelayBackend); ok {
		relay := handlers.NewRelayHandler(rb)
		s.router.GET("/relay/clients", relay.ListClients)
	}
}

func (s *Server) setupSwagger() {
	docs.SwaggerInfo.Title = fmt.Sprintf("Robot Gateway %s API", s.backend.Kind())
	docs.SwaggerInfo.Version = s.config.Version

	s.router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/docs/index.html")
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop. It returns nil after a clean Stop.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.config.AdminPort).Msg("Admin API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin api: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping admin API")
	return s.server.Shutdown(ctx)
}
