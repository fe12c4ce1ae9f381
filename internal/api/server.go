package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/advertisement"
	"github.com/energizer-project/bedrock/internal/client"
	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
	"github.com/energizer-project/bedrock/internal/health"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/transport"
	"github.com/energizer-project/bedrock/internal/util"
)

// Default locations of the self-signed pair used when TLS is enabled
// without configured files.
var (
	DefaultCertFile = filepath.Join(config.DefaultConfigDir, "certs", "api.crt")
	DefaultKeyFile  = filepath.Join(config.DefaultConfigDir, "certs", "api.key")
)

// Target is the listening side the API manages. Both a server and a relay
// satisfy it.
type Target interface {
	Status() server.Status
	Clients() []*server.Player
	Client(key string) (*server.Player, bool)
	Kick(key, reason string) bool
	BroadcastMessage(ctx context.Context, message string) int
	Advertisement() advertisement.Advertisement
}

// Server is the admin REST API server.
type Server struct {
	cfg    *config.Config
	target Target

	// Optional; routes needing a missing dependency answer 503.
	operators *db.OperatorStore
	history   *db.SessionStore
	pinger    *client.Pinger
	health    *health.Manager

	auth       *AuthMiddleware
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, target Target) *Server {
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:    cfg,
		target: target,
	}
}

// SetDependencies injects the stores and the pinger. Any may be nil.
func (s *Server) SetDependencies(operators *db.OperatorStore, history *db.SessionStore, pinger *client.Pinger) {
	s.operators = operators
	s.history = history
	s.pinger = pinger
}

// SetHealth injects the health check manager.
func (s *Server) SetHealth(h *health.Manager) {
	s.health = h
}

// Handler builds the router on first use and returns it.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.ApplicationData.API
	sec := s.cfg.ApplicationData.Security

	addr := fmt.Sprintf("%s:%d", apiCfg.Host, apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if sec.TLSEnabled {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	// SO_REUSEADDR for immediate rebinding after restart.
	lc := transport.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// tlsConfig loads the configured pair, generating a self-signed one when
// no files are configured.
func (s *Server) tlsConfig() (*tls.Config, error) {
	sec := s.cfg.ApplicationData.Security
	certFile, keyFile := sec.TLSCertFile, sec.TLSKeyFile
	if certFile == "" || keyFile == "" {
		certFile, keyFile = DefaultCertFile, DefaultKeyFile
		if _, err := util.EnsureCert(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("failed to prepare self-signed certificate: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API TLS certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.ApplicationData.Security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with a "*" origin
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.ApplicationData.Security.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	s.auth = NewAuthMiddleware(s.operators, s.cfg)
	router.Use(s.auth.IPWhitelist())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/advertisement", s.handleAdvertisement)
	}

	protected := router.Group("/api")
	protected.Use(s.auth.RequireAuth())

	monitor := protected.Group("")
	monitor.Use(s.auth.RequirePermission(PermMonitor))
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/sessions/history", s.handleGetHistory)
		monitor.GET("/remote/ping", s.handleRemotePing)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/health", s.handleHealth)
	}

	control := protected.Group("")
	control.Use(s.auth.RequirePermission(PermControl))
	{
		control.POST("/sessions/:key/disconnect", s.handleDisconnect)
		control.POST("/broadcast", s.handleBroadcast)
	}

	configure := protected.Group("")
	configure.Use(s.auth.RequirePermission(PermConfigure))
	{
		configure.GET("/operators", s.handleGetOperators)
		configure.POST("/operators", s.handleCreateOperator)
		configure.DELETE("/operators/:name", s.handleDeleteOperator)
		configure.POST("/operators/:name/role", s.handleAssignRole)
		configure.GET("/roles", s.handleGetRoles)
		configure.GET("/audit", s.handleGetAudit)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
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

// audit records a control action by the requesting operator.
func (s *Server) audit(c *gin.Context, action, target, detail string) {
	op, _ := operatorFrom(c)
	log.Info().
		Str("operator", op.Name).
		Str("action", action).
		Str("target", target).
		Msg("API: operator action")

	if s.operators == nil {
		return
	}
	if err := s.operators.RecordAction(op.Name, action, target, detail); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}
