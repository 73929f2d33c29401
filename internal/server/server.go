// Package server assembles credgate: storage, the chain client, review
// sessions and the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/authflow"
	"github.com/mbd888/credgate/internal/chain"
	"github.com/mbd888/credgate/internal/config"
	"github.com/mbd888/credgate/internal/dashboard"
	"github.com/mbd888/credgate/internal/health"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/metrics"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/realtime"
	"github.com/mbd888/credgate/internal/requests"
	"github.com/mbd888/credgate/internal/security"
	"github.com/mbd888/credgate/internal/traces"
	"github.com/mbd888/credgate/internal/webhooks"
)

const (
	sessionReapInterval = time.Minute
	sessionMaxIdle      = 30 * time.Minute
	healthCheckTimeout  = 5 * time.Second
	shutdownBudget      = 30 * time.Second
)

// Server owns every long-lived component. Build it with New, then Run.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB       // nil with the in-memory store
	redis *redis.Client // nil with the in-process cache

	chain     *chain.Client
	requests  *requests.Adapter
	sessions  *authflow.Sessions
	dashboard *dashboard.Service
	hub       *realtime.Hub
	webhooks  *webhooks.Dispatcher // nil without WEBHOOK_URLS
	events    fanout
	health    *health.Registry

	authMgr     *auth.Manager
	apiLimit    *ratelimit.Limiter
	submitLimit *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	stopBackground context.CancelFunc
	stopTracing    func(context.Context) error

	ethClient  chain.EthClient
	drainDelay time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEthClient skips dialing RPC_URL and talks to ec instead.
func WithEthClient(ec chain.EthClient) Option {
	return func(s *Server) { s.ethClient = ec }
}

// WithDrainDelay is how long Shutdown keeps serving after readiness drops,
// so load balancers can stop routing here.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New connects storage and the chain and mounts the API. Nothing runs in
// the background until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, drainDelay: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	if s.ethClient == nil {
		if err := security.ValidateRPCURL(cfg.RPCURL, !cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("invalid RPC_URL: %w", err)
		}
	}

	var err error
	s.stopTracing, err = traces.Init(ctx, traces.Setup{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}
	s.requests = requests.NewAdapter(store, s.logger.With("component", "requests"))

	if err := s.connectChain(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	if err := s.wireEvents(); err != nil {
		s.closeStorage()
		return nil, err
	}

	flowCfg := authflow.DefaultConfig()
	flowCfg.ConfirmationTimeout = cfg.ConfirmationTimeout
	flowCfg.PollInterval = cfg.QueuePollInterval
	s.sessions = authflow.NewSessions(s.requests, authflow.ClientChain(s.chain), flowCfg,
		s.events, s.logger.With("component", "authflow"))
	s.dashboard = dashboard.NewService(s.requests, s.chain, cfg.DashboardPollInterval,
		s.logger.With("component", "dashboard"))

	s.health = health.NewRegistry(healthCheckTimeout)
	s.health.Register("chain", health.ContractOwner(s.chain))
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret)
	s.router = gin.New()
	s.useMiddleware()
	s.mountRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStore picks Postgres when DATABASE_URL is set and memory otherwise.
func (s *Server) openStore(ctx context.Context) (requests.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, requests are kept in memory and lost on restart")
		return requests.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("using postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	return requests.NewPostgresStore(db), nil
}

// connectChain builds the allow-list client with its lookup cache and, when
// a key is configured, a signer.
func (s *Server) connectChain(ctx context.Context) error {
	cfg := s.cfg
	opts := []chain.Option{chain.WithLogger(s.logger.With("component", "chain"))}

	if cfg.RedisURL != "" {
		rc, err := chain.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		s.redis = rc
		opts = append(opts, chain.WithCache(chain.NewRedisCache(rc, cfg.AuthCacheTTL)))
		s.logger.Info("using redis lookup cache", "url", maskDSN(cfg.RedisURL))
	} else {
		opts = append(opts, chain.WithCache(chain.NewMemoryCache(cfg.AuthCacheTTL)))
	}

	if s.ethClient != nil {
		opts = append(opts, chain.WithEthClient(s.ethClient))
	}
	if cfg.PrivateKey != "" {
		signer, err := chain.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("invalid PRIVATE_KEY: %w", err)
		}
		opts = append(opts, chain.WithSigner(signer))
	}

	var err error
	s.chain, err = chain.New(chain.Config{
		RPCURL:                   cfg.RPCURL,
		ChainID:                  cfg.ChainID,
		ContractAddress:          cfg.ContractAddress,
		ConfirmationPollInterval: cfg.ConfirmationPollInterval,
	}, opts...)
	if err != nil {
		return fmt.Errorf("create chain client: %w", err)
	}

	if s.chain.CanSign() {
		s.logger.Info("approvals enabled", "signer", s.chain.SignerAddress())
	} else {
		s.logger.Warn("PRIVATE_KEY not set, approvals will fail with wallet unavailable")
	}
	return nil
}

// wireEvents sends review activity to dashboards and, when configured, to
// operator webhooks.
func (s *Server) wireEvents() error {
	s.hub = realtime.NewHub(s.logger)
	s.events = fanout{s.hub}

	if len(s.cfg.WebhookURLs) == 0 {
		return nil
	}
	for _, u := range s.cfg.WebhookURLs {
		if err := security.ValidateWebhookURL(u, !s.cfg.IsProduction()); err != nil {
			return fmt.Errorf("invalid WEBHOOK_URLS entry: %w", err)
		}
	}
	s.webhooks = webhooks.NewDispatcher(webhooks.DefaultConfig(s.cfg.WebhookURLs, s.cfg.WebhookSecret),
		s.logger.With("component", "webhooks"))
	s.events = append(s.events, s.webhooks)
	s.logger.Info("webhook notifications enabled", "endpoints", len(s.cfg.WebhookURLs))
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN replaces the password in dsn for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Run serves HTTP and the background workers until ctx is done, SIGINT or
// SIGTERM arrives, or the listener fails. It always ends with Shutdown.
func (s *Server) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	s.stopBackground = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}

	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	s.startBackground(bg)
	time.AfterFunc(100*time.Millisecond, func() {
		s.ready.Store(true)
		s.logger.Info("server ready")
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case err := <-listenErr:
		_ = s.Shutdown()
		return fmt.Errorf("http listener: %w", err)
	case sig := <-sigs:
		s.logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context done")
	}
	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.sessions.RunReaper(ctx, sessionReapInterval, sessionMaxIdle)
	s.dashboard.Start(ctx)
	if s.webhooks != nil {
		s.webhooks.Start(ctx)
	}
	if s.db != nil {
		metrics.RegisterDB(s.db)
	}
}

// Shutdown drains HTTP, lets in-flight approvals record their outcome,
// then releases every connection. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("shutting down")
	if s.stopBackground != nil {
		s.stopBackground()
	}
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	var httpErr error
	if s.httpSrv != nil {
		if httpErr = s.httpSrv.Shutdown(ctx); httpErr != nil {
			s.logger.Error("http shutdown", "error", httpErr)
		}
	}

	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Warn("review sessions did not drain", "error", err)
	}

	s.dashboard.Stop()
	if s.webhooks != nil {
		s.webhooks.Stop()
	}
	s.apiLimit.Stop()
	s.submitLimit.Stop()

	var closeErrs []error
	closeErrs = append(closeErrs, s.chain.Close())
	if s.redis != nil {
		closeErrs = append(closeErrs, s.redis.Close())
	}
	if s.db != nil {
		metrics.RegisterDB(nil)
		closeErrs = append(closeErrs, s.db.Close())
	}
	if s.stopTracing != nil {
		closeErrs = append(closeErrs, s.stopTracing(ctx))
	}
	if err := errors.Join(closeErrs...); err != nil {
		s.logger.Warn("releasing resources", "error", err)
	}

	s.logger.Info("server stopped")
	return httpErr
}

// Router exposes the handler for in-process tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
