package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/config"
	"github.com/chatroom-project/chatroom/internal/db"
	"github.com/chatroom-project/chatroom/internal/events"
	intnet "github.com/chatroom-project/chatroom/internal/network"
	"github.com/chatroom-project/chatroom/internal/protocol"
	"github.com/chatroom-project/chatroom/internal/session"
	"github.com/chatroom-project/chatroom/internal/util"
)

// ChatClient is the client surface the bridge exposes over HTTP.
type ChatClient interface {
	Connect(ctx context.Context, addr string) error
	ServerInfo(ctx context.Context, typ protocol.ServerInfoType) (*protocol.ServerInfoResponse, error)
	JoinServer(ctx context.Context, name, password string) (*protocol.JoinResponse, error)
	ListRooms(ctx context.Context) ([]protocol.Room, error)
	JoinRoom(ctx context.Context, roomID int, password string) (*protocol.JoinRoomResponse, error)
	SendChat(ctx context.Context, msg protocol.ChatMessage) error
	Ping(ctx context.Context) (time.Duration, error)
	Close() error

	State() session.State
	Address() string
	PlayerID() string
	Joined() (string, bool)
	CurrentRoom() (int, bool)
	LastActivity() time.Time
}

// History is the chat log the bridge reads from.
type History interface {
	Recent(ctx context.Context, roomID, limit int) ([]db.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Server is the local HTTP bridge between a presentation layer and the
// chatroom client.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   ChatClient
	history  History

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. history may be nil when the chat log
// is disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, client ChatClient, history History) *Server {
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		history:  history,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := net.JoinHostPort(apiCfg.BindAddress, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		if err := util.EnsureCertificate(apiCfg.TLSCertFile, apiCfg.TLSKeyFile); err != nil {
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR lets the bridge rebind immediately after a restart.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	apiCfg := s.cfg.GetApplicationData().API

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
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	bridge := router.Group("/api")
	{
		bridge.POST("/connect", s.handleConnect)
		bridge.GET("/server_info", s.handleServerInfo)
		bridge.POST("/join", s.handleJoinServer)
		bridge.GET("/rooms", s.handleListRooms)
		bridge.POST("/rooms/:id/join", s.handleJoinRoom)
		bridge.POST("/chat", s.handleChat)
		bridge.POST("/ping", s.handleServerPing)
		bridge.POST("/close", s.handleClose)
		bridge.GET("/history/:room", s.handleHistory)

		bridge.GET("/config", s.handleGetConfig)
		bridge.POST("/config/player", s.handleSetPlayer)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "chatroom bridge is running"})
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
