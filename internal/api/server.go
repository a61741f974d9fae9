package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/gateway"
	"github.com/energizer-project/shardgate/internal/health"
	intnet "github.com/energizer-project/shardgate/internal/network"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

// Deps are the runtime components the API reports on and controls. Nil
// components disable their routes' data, not the routes.
type Deps struct {
	Sessions *session.Table
	Stats    *diag.Stats
	Registry *dispatch.Registry
	Queue    *dispatch.TaskQueue
	Policies *db.PolicyStore
	Accounts *db.AccountStore
	Gateway  *gateway.Gateway
	Health   *health.Manager
	Bus      *events.Bus
}

// Server is the diagnostics REST API.
type Server struct {
	cfg  *config.Config
	deps Deps

	httpServer *http.Server
	router     *gin.Engine
	limiter    *RateLimiter
}

// limiterIdle is how long a client's rate bucket outlives its last request.
const limiterIdle = 10 * time.Minute

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps, limiter: NewRateLimiter(cfg.GetAPI().RateLimitRPS)}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := net.JoinHostPort(apiCfg.BindAddr, fmt.Sprint(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLS {
		cert, err := loadOrCreateCert(apiCfg.CertFile, apiCfg.KeyFile, apiCfg.BindAddr)
		if err != nil {
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := intnet.ListenConfig(0)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLS).Msg("REST API server starting")

	go func() {
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.limiter.Prune(limiterIdle); n > 0 {
					log.Debug().Int("clients", n).Msg("API rate buckets pruned")
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLS {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func loadOrCreateCert(certFile, keyFile, host string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err == nil {
		return cert, nil
	}
	log.Warn().Err(err).Msg("API certificate not usable, generating a self-signed one")
	if err := util.GenerateSelfSignedCert(certFile, keyFile, host); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certFile, keyFile)
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.limiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.Token))
	{
		// Monitoring
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.GET("/stats", s.handleGetStats)
		protected.GET("/system", s.handleGetSystem)
		protected.GET("/opcodes", s.handleGetOpcodes)
		protected.GET("/shards", s.handleGetShards)
		protected.GET("/logins", s.handleGetLogins)
		protected.GET("/logs", s.handleGetLogEntries)

		// Control
		protected.POST("/sessions/:id/disconnect", s.handleDisconnectSession)
		protected.POST("/sessions/:id/features", s.handleSetSessionFeatures)
		protected.GET("/accounts", s.handleListAccounts)
		protected.POST("/accounts", s.handleCreateAccount)
		protected.POST("/accounts/:name/block", s.handleBlockAccount(true))
		protected.POST("/accounts/:name/unblock", s.handleBlockAccount(false))
		protected.POST("/accounts/:name/password", s.handleSetPassword)

		// Configuration
		protected.GET("/config", s.handleGetConfig)
		protected.GET("/policies", s.handleListPolicies)
		protected.PUT("/policies", s.handleSetPolicy)
		protected.DELETE("/policies/:version", s.handleDeletePolicy)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "shardgate API is running"})
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
