package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "bwave.events.v1"

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket upgrade layer in front of the Engine.
//
// It enforces origin policy, authenticates the user, accepts the upgrade, keeps the
// connection alive with pings, and hands the connection to Engine.HandleConnection.
type WSGateway struct {
	log    *slog.Logger
	engine *Engine
	auth   Authenticator

	devInsecure        bool
	originRequired     bool
	requireSubprotocol bool
	allowedOrigins     []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	// base bounds every upgraded connection; cancelling it ends them all.
	base  context.Context
	conns sync.WaitGroup
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithBaseContext ties every accepted connection to ctx. Cancelling ctx closes
// the connections and runs their engine cleanup.
func WithBaseContext(ctx context.Context) GatewayOption {
	return func(g *WSGateway) {
		if ctx != nil {
			g.base = ctx
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults read from the environment.
func NewWSGateway(log *slog.Logger, engine *Engine, auth Authenticator, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if engine == nil {
		return nil, errors.New("realtime: nil engine")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}

	g := &WSGateway{log: log, engine: engine, auth: auth, base: context.Background()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables websocket.Accept's origin check.
	g.devInsecure = envBoolWS("BWAVE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("BWAVE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("BWAVE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.requireSubprotocol = envBoolWS("BWAVE_WS_REQUIRE_SUBPROTOCOL", false)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.heartbeatEvery = envDurationWS("BWAVE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("BWAVE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the connection on the engine.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	g.conns.Add(1)
	defer g.conns.Done()

	// The hijacked connection keeps the HTTP server's deadlines unless they are cleared.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if g.requireSubprotocol && conn.Subprotocol() != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", conn.Subprotocol(), "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	// The upgrade request context ends when the handler returns; the connection's
	// lifetime is owned by HandleConnection and the gateway's base context from here on.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(g.base, cancel)
	defer stop()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, userID)
	}()

	if err := g.engine.HandleConnection(ctx, userID, &wsTransport{conn: conn}); err != nil {
		g.log.Info("ws.connection.end", "user_id", userID, "err", err)
	}

	cancel()
	<-heartbeatDone
}

// Wait blocks until every connection accepted by the gateway has finished its
// engine cleanup, or ctx is done.
func (g *WSGateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, userID int64) {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				g.log.Info("ws.ping.fail", "user_id", userID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					// Closing unblocks the engine's read loop, which then runs its cleanup.
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- transport adapter ----

// wsTransport adapts a coder/websocket connection to Transport.
// coder/websocket allows concurrent Write and Close; Read is only called by the engine's loop.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		// Unknown frame kinds decode as malformed and are dropped.
		return nil, nil
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(code StatusCode, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
