// Package monitor serves the read-only farm projection and the manual
// plant, work and harvest routes over HTTP.
package monitor

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/harvest"
	"github.com/alexandrut83/homestead/metrics"
)

const (
	DefaultStreamInterval = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
	writeWait             = 10 * time.Second
)

// Config configures the HTTP monitor
type Config struct {
	// Token guards the mutating routes. They are not mounted when empty.
	Token          string
	StreamInterval time.Duration
	CORSOrigins    []string
}

// Farm is the read side of the orchestrator
type Farm interface {
	Snapshot() farm.Snapshot
	Balances() map[string]blockchain.Balances
}

// Harvests is the harvest scheduler surface used by the monitor
type Harvests interface {
	Pending() []harvest.Request
	Ledger() *harvest.Ledger
	DeadLetters() ([]harvest.Letter, error)
	HarvestNow(ctx context.Context, farmer string, block uint32) (harvest.Receipt, error)
}

// Server is the monitor HTTP server
type Server struct {
	cfg      Config
	farm     Farm
	harvests Harvests
	client   blockchain.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
	access   *logrus.Logger
	upgrader websocket.Upgrader
	router   *gin.Engine
}

// New builds the router. access may be nil to disable access lines.
func New(cfg Config, f Farm, h Harvests, client blockchain.Client, m *metrics.Metrics, access *logrus.Logger, logger *zap.Logger) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		farm:     f,
		harvests: h,
		client:   client,
		metrics:  m,
		logger:   logger,
		access:   access,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if s.access != nil {
		router.Use(accessLog(s.access))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/data", s.handleData)
	router.GET("/balances", s.handleBalances)
	router.GET("/monitor", s.handleMonitor)
	router.GET("/harvests", s.handleHarvests)
	router.GET("/deadletters", s.handleDeadLetters)
	router.GET("/ws", s.handleStream)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if s.cfg.Token != "" {
		ops := router.Group("/", authMiddleware(s.cfg.Token))
		ops.POST("/plant", s.handlePlant)
		ops.POST("/work", s.handleWork)
		ops.POST("/harvest", s.handleHarvest)
	}
	return router
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no authorization token provided"})
			return
		}
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleData(c *gin.Context) {
	c.JSON(http.StatusOK, s.farm.Snapshot().Block)
}

func (s *Server) handleBalances(c *gin.Context) {
	c.JSON(http.StatusOK, s.farm.Balances())
}

func (s *Server) handleMonitor(c *gin.Context) {
	c.JSON(http.StatusOK, s.farm.Snapshot())
}

func (s *Server) handleHarvests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pending": s.harvests.Pending(),
		"recent":  s.harvests.Ledger().Recent(),
	})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	letters, err := s.harvests.DeadLetters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, letters)
}
