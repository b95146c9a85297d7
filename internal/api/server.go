package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"vrf-raffle/internal/raffle"
)

// Raffle is the engine surface served over HTTP.
type Raffle interface {
	Enter(ctx context.Context, player common.Address, payment *big.Int) error
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (uint256.Int, error)
	Player(index int) (common.Address, error)
	Snapshot() raffle.Snapshot
	Config() raffle.Config
	Subscribe(buffer int) *raffle.Subscription
}

// Fulfiller answers pending randomness requests on demand.
type Fulfiller interface {
	FulfillRandomWords(ctx context.Context, requestID uint256.Int) error
}

// Options configure the HTTP server.
type Options struct {
	Listen         string
	AllowedOrigins []string
	EventBuffer    int
	ShutdownGrace  time.Duration
	Network        string
}

// Server exposes the raffle over HTTP.
type Server struct {
	opts      Options
	raffle    Raffle
	fulfiller Fulfiller
	now       func() time.Time
	logger    zerolog.Logger
	router    *gin.Engine
}

// NewServer wires routes. fulfiller may be nil when the oracle answers on its own.
func NewServer(opts Options, r Raffle, fulfiller Fulfiller, logger zerolog.Logger) *Server {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}

	s := &Server{
		opts:      opts,
		raffle:    r,
		fulfiller: fulfiller,
		now:       time.Now,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	api := router.Group("/api")
	{
		api.GET("/raffle", s.getRaffle)
		api.GET("/raffle/players/:index", s.getPlayer)
		api.POST("/raffle/enter", s.enter)
		api.GET("/raffle/upkeep", s.checkUpkeep)
		api.POST("/raffle/upkeep", s.performUpkeep)
		api.POST("/vrf/requests/:id/fulfill", s.fulfill)
		api.GET("/events", s.streamEvents)
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}).Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down within ShutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http api shutdown incomplete")
		_ = srv.Close()
	}
	<-errCh
	return ctx.Err()
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
