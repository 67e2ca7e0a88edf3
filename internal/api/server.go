package api

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/db"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/health"
	"github.com/fieldlink-project/fieldlink/internal/match"
	intnet "github.com/fieldlink-project/fieldlink/internal/network"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
)

// Field is the part of the link supervisor the API drives.
type Field interface {
	Assign(station protocol.AllianceStation, team uint16) error
	Release(station protocol.AllianceStation) error
	SetControl(station protocol.AllianceStation, control protocol.ControlState) error
	Snapshots() []field.SessionSnapshot
	Snapshot(station protocol.AllianceStation) (field.SessionSnapshot, bool)
	FieldEstop() bool
}

// Match is the part of the match controller the API drives.
type Match interface {
	Load(level protocol.TournamentLevel, number uint16, play uint8) error
	Start() error
	Abort(reason string) error
	Reset() error
	EstopStation(station protocol.AllianceStation) error
	State() match.State
}

// EstopSwitch is the operator's field e-stop button.
type EstopSwitch interface {
	Set(asserted bool)
	FieldEstop() bool
}

// Deps are the components the API serves. Any of EventLog, Links and
// Connections may be nil; their routes then answer 503.
type Deps struct {
	Field       Field
	Match       Match
	Estop       EstopSwitch
	EventLog    *db.EventLog
	Links       *health.LinkMonitor
	Connections *intnet.StationRegistry
	Emitter     events.Emitter
}

// Server is the REST API for field operators and scorekeeping tools.
type Server struct {
	cfg  *config.Config
	deps Deps

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server and builds its router.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the API port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetFieldData().APIPort)
	security := s.cfg.GetApplicationData().Security

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if security.TLSEnabled {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// SO_REUSEADDR so a restarted FMS rebinds immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", security.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if security.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, security.TLSCertFile, security.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	security := s.cfg.GetApplicationData().Security

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(security.RateLimitRPS).Middleware())

	auth := NewAuthMiddleware(s.cfg)
	router.Use(auth.IPWhitelist())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/stations", s.handleGetStations)
		monitor.GET("/stations/:station", s.handleGetStation)
		monitor.GET("/connections", s.handleGetConnections)
		monitor.GET("/match", s.handleGetMatch)
		monitor.GET("/field/estop", s.handleGetFieldEstop)
		monitor.GET("/link_health", s.handleGetLinkHealth)
		monitor.GET("/events/link", s.handleGetLinkEvents)
		monitor.GET("/events/match", s.handleGetMatchEvents)
		monitor.GET("/alerts", s.handleGetAlerts)
		monitor.GET("/system", s.handleGetSystem)
	}

	control := router.Group("/api/control")
	control.Use(auth.RequireToken())
	{
		control.POST("/stations/:station/assign", s.handleAssignStation)
		control.DELETE("/stations/:station", s.handleReleaseStation)
		control.POST("/stations/:station/control", s.handleSetControl)
		control.POST("/stations/:station/estop", s.handleEstopStation)
		control.POST("/match/load", s.handleLoadMatch)
		control.POST("/match/start", s.handleStartMatch)
		control.POST("/match/abort", s.handleAbortMatch)
		control.POST("/match/reset", s.handleResetMatch)
		control.POST("/field/estop", s.handleSetFieldEstop)
		control.POST("/alerts/:id/ack", s.handleAckAlert)
	}

	configure := router.Group("/api/configure")
	configure.Use(auth.RequireToken())
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/field_data", s.handleSetFieldValue)
		configure.POST("/app_data", s.handleSetAppValue)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "fieldlink API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidStation):
		return http.StatusBadRequest
	case errors.Is(err, field.ErrUnknownStation), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, match.ErrMatchInProgress),
		errors.Is(err, match.ErrNotReady),
		errors.Is(err, match.ErrNoStations),
		errors.Is(err, match.ErrStationsUnready),
		errors.Is(err, match.ErrFieldEstop),
		errors.Is(err, match.ErrNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}
