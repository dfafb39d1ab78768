// Package app wires the bwave server runtime: config, logging, persistence, HTTP routes,
// the live event engine and its optional Redis relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bwave/cmd/internal/connection"
	"bwave/cmd/internal/realtime"
	"bwave/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the bwave server runtime: it owns HTTP server wiring and the realtime dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	redis *redis.Client
	relay *relay.Relay

	metrics *prometheus.Registry

	// sessions bounds every live WebSocket connection; Run cancels it on shutdown.
	sessions     context.Context
	stopSessions context.CancelFunc

	engine      *realtime.Engine
	ws          *realtime.WSGateway
	connections *connection.Service
	connHTTP    *connection.Handler
}

// stores groups the persistence backends selected at startup.
type stores struct {
	messages    realtime.MessageStore
	friends     realtime.ConnectionStore
	connections connection.Store
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	a.sessions, a.stopSessions = context.WithCancel(context.Background())

	// Zero values fall back to the defaults LoadConfig would have applied.
	taskTimeout := nonZeroDuration(cfg.EngineHandlerTimeout, 10*time.Second)

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := realtime.NewEngine(log, st.messages, st.friends,
		realtime.WithMetrics(realtime.NewMetrics(a.metrics)),
		realtime.WithHandlerTimeout(taskTimeout),
		realtime.WithWriteTimeout(cfg.WSWriteTimeout),
		realtime.WithRateLimit(cfg.WSRateLimitEvents, cfg.WSRateLimitWindow),
	)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.engine = engine

	var notifier connection.Notifier = engine
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.relay, err = relay.New(log, relay.Config{
			Client:  a.redis,
			Channel: cfg.RedisChannel,
			Sink:    engine,
		})
		if err != nil {
			a.closeResources()
			return nil, err
		}
		engine.SetFanout(a.relay)
		notifier = a.relay
		log.Info("relay.enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	a.connections, err = connection.NewService(log, st.connections, notifier,
		connection.WithTaskTimeout(taskTimeout),
	)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.connHTTP, err = connection.NewHandler(log, a.connections, auth)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, engine, auth, realtime.WithBaseContext(a.sessions))
	if err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// Handler returns the root HTTP handler with all routes and request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"relay_enabled", a.relay != nil,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(relayCtx); err != nil {
				errCh <- fmt.Errorf("relay: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Shutdown does not track hijacked connections. Close them and wait for their
	// cleanup so offline presence is published before the stores go away.
	a.stopSessions()
	if err := a.ws.Wait(shutdownCtx); err != nil {
		a.log.Error("ws.drain.fail", "err", err)
	}

	// Let in-flight handlers finish their store writes and pushes.
	if err := a.engine.Wait(shutdownCtx); err != nil {
		a.log.Error("engine.drain.fail", "err", err)
	}
	if err := a.connections.Wait(shutdownCtx); err != nil {
		a.log.Error("connection.drain.fail", "err", err)
	}
	stopRelay()

	a.closeResources()
	a.log.Info("server.stopped")
	return runErr
}

// openStores decides between Postgres-backed persistence and in-memory dev stores.
func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")

		users, err := parseDevUsers(a.cfg.DevUsers)
		if err != nil {
			return stores{}, err
		}
		conns := connection.NewInMemoryStore()
		for _, u := range users {
			if err := conns.AddUser(u); err != nil {
				return stores{}, err
			}
		}
		// The connection store also answers friend lookups, so presence
		// reflects connections made at runtime.
		return stores{
			messages:    realtime.NewInMemoryStore(),
			friends:     conns,
			connections: conns,
		}, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return stores{}, err
	}
	a.dbPool = pool
	a.dbEnabled = true

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - store Close() methods are no-ops
	msgs, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		a.closeResources()
		return stores{}, err
	}
	conns, err := connection.NewPostgresStore(pool, connection.WithSchema(a.cfg.DBSchema))
	if err != nil {
		a.closeResources()
		return stores{}, err
	}

	return stores{messages: msgs, friends: msgs, connections: conns}, nil
}

func (a *App) closeResources() {
	if a.stopSessions != nil {
		a.stopSessions()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func newAuthenticator(cfg Config) (realtime.Authenticator, error) {
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.AuthDevHeader {
		return realtime.HeaderAuthenticator{}, nil
	}
	return realtime.NewJWTAuthenticator([]byte(strings.TrimSpace(cfg.JWTSecret)), cfg.JWTIssuer)
}

// parseDevUsers parses "id:username[,id:username...]".
func parseDevUsers(raw string) ([]connection.User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []connection.User
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, username, ok := strings.Cut(part, ":")
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		username = strings.TrimSpace(username)
		if !ok || err != nil || id <= 0 || username == "" {
			return nil, fmt.Errorf("invalid BWAVE_DEV_USERS entry %q", part)
		}
		out = append(out, connection.User{ID: id, Username: username})
	}
	return out, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
