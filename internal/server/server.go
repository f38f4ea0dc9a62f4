package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/auth"
	"github.com/seriado/ollagate/internal/config"
	"github.com/seriado/ollagate/internal/limits"
	"github.com/seriado/ollagate/internal/monitoring"
	"github.com/seriado/ollagate/internal/protocol"
	"github.com/seriado/ollagate/internal/registry"
	"github.com/seriado/ollagate/internal/upstream"
)

// shutdownGrace is how long Shutdown waits for connections to drain before
// forcing the remainder closed.
const shutdownGrace = 30 * time.Second

// Server is the gateway: it owns the listener, the shared auth services, the
// client registry, and the set of live connections.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry    *registry.Registry
	challenges  *auth.ChallengeStore
	authLimiter *auth.AuthLimiter
	connLimiter *limits.ConnectionRateLimiter
	upstream    *upstream.Client
	generations *generationTable

	httpServer *http.Server
	listener   net.Listener

	conns     sync.Map // map[string]*Conn keyed by connection id
	connCount int64
	startTime time.Time
	stopping  int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the gateway from configuration. The clock parameter feeds the
// challenge store and auth limiter; pass nil for the real clock.
func New(cfg *config.Config, logger zerolog.Logger, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   registry.New(cfg.DataDir, logger),
		challenges: auth.NewChallengeStore(auth.DefaultChallengeTTL, clock),
		authLimiter: auth.NewAuthLimiter(auth.AuthLimiterConfig{
			MaxAttempts: cfg.MaxAuthAttempts,
			AuthWindow:  cfg.AuthWindow,
			Clock:       clock,
			Logger:      logger,
		}),
		upstream: upstream.New(upstream.Config{
			BaseURL:      cfg.OllamaAPIURL,
			DefaultModel: cfg.OllamaDefaultModel,
			Logger:       logger,
		}),
		generations: newGenerationTable(),
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.ConnRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateLimitIPBurst,
			IPRate:      cfg.ConnRateLimitIPRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
	}

	return s
}

// Registry exposes the client registry for admin tooling.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// routes builds the HTTP surface.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", monitoring.Handler())
	r.Post("/api/auth/register", s.handleRegister)
	return r
}

// Start loads the registry, binds the listener, and begins serving. It
// returns once the listener is accepting.
func (s *Server) Start() error {
	if err := s.registry.Load(); err != nil {
		return fmt.Errorf("load client registry: %w", err)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.routes(),
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP serve loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr()).
		Str("upstream", s.cfg.OllamaAPIURL).
		Msg("Gateway listening")

	return nil
}

// Addr returns the bound listener address (useful when PORT=0 in tests).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, broadcasts a close to live peers,
// and waits for in-flight teardowns up to the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.stopping, 1)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	// Ask every live connection to close.
	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.close(protocol.CloseNormal, "server_shutdown")
		}
		return true
	})

	// Drain with a grace period.
	drainTimer := time.NewTimer(shutdownGrace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for atomic.LoadInt64(&s.connCount) > 0 {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.connCount)
			s.logger.Warn().
				Int64("remaining_connections", remaining).
				Msg("Grace period expired, force closing remaining connections")
			s.conns.Range(func(_, value any) bool {
				if conn, ok := value.(*Conn); ok {
					conn.closeOnce.Do(func() { _ = conn.ws.Close() })
				}
				return true
			})
			break drain
		case <-checkTicker.C:
		case <-ctx.Done():
			break drain
		}
	}

	s.cancel()
	s.authLimiter.Stop()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// handleHealth reports liveness plus a resource snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := monitoring.Snapshot()
	body := map[string]any{
		"status":            "ok",
		"uptimeSeconds":     int64(time.Since(s.startTime).Seconds()),
		"connections":       atomic.LoadInt64(&s.connCount),
		"activeGenerations": s.generations.len(),
		"system":            snap,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// newConnectionID generates the 128-bit hex connection identifier.
func newConnectionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
