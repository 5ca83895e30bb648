package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/lobby"
	intnet "github.com/royale-project/royale/internal/network"
)

// Lobby is the set of orchestrator operations exposed over HTTP.
type Lobby interface {
	Status() lobby.Status
	Search(q string) []string
	Say(msg string)
	Kick(nick string) error
	Mute(nick string, muted bool) error
	SetSong(song, difficulty string) (*chart.Entry, error)
	ManualStart() error
	ForceStart() error
	ForceEnd()
	SetVoting(on bool)
	ReloadCharts(full bool) (int, error)
}

// Server is the admin REST API.
type Server struct {
	cfg       *config.Config
	lobby     Lobby
	startedAt time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its router.
func NewServer(cfg *config.Config, l Lobby) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		lobby:     l,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured API port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

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
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())
	router.Use(IPWhitelist(apiCfg.IPWhitelist))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
		public.GET("/charts", s.handleCharts)
	}

	control := router.Group("/api/control")
	control.Use(RequireAdmin(s.cfg.GetServer().AdminPassword))
	{
		control.POST("/say", s.handleSay)
		control.POST("/start", s.handleStart)
		control.POST("/force_start", s.handleForceStart)
		control.POST("/force_end", s.handleForceEnd)
		control.POST("/set_song", s.handleSetSong)
		control.POST("/voting", s.handleVoting)
		control.POST("/reload_charts", s.handleReloadCharts)
		control.POST("/kick/:nick", s.handleKick)
		control.POST("/mute/:nick", s.handleMute)
		control.POST("/unmute/:nick", s.handleUnmute)

		control.GET("/host", s.handleHost)
		control.GET("/config", s.handleGetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
