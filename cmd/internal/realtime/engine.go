package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"
)

// errNoop marks an action that completed without effect (e.g. seen_dm by a non-receiver).
var errNoop = errors.New("realtime: noop")

// Engine owns connection lifecycles, dispatches client actions and pushes
// server notifications to live sessions.
//
// Per connection the lifecycle is Connecting -> Connected -> Closing -> Closed.
// Frames of one connection are read in order, but every decoded action runs in its
// own goroutine, so two actions from one connection may complete out of order.
type Engine struct {
	log      *slog.Logger
	registry *Registry
	presence *PresenceNotifier
	messages MessageStore
	metrics  *Metrics

	// fanout receives pushes produced by this engine; nil means local delivery.
	fanout Notifier

	writeTimeout   time.Duration
	handlerTimeout time.Duration
	rateEvents     int
	rateWindow     time.Duration

	now func() time.Time

	tasks sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics sets the metrics sink (default: private registry).
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithWriteTimeout bounds each notification write.
func WithWriteTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithHandlerTimeout bounds each action handler and presence hook.
func WithHandlerTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.handlerTimeout = d
		}
	}
}

// WithRateLimit sets the per-connection inbound frame limit.
func WithRateLimit(events int, window time.Duration) EngineOption {
	return func(e *Engine) {
		if events > 0 {
			e.rateEvents = events
		}
		if window > 0 {
			e.rateWindow = window
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine over the given collaborators.
func NewEngine(log *slog.Logger, messages MessageStore, connections ConnectionStore, opts ...EngineOption) (*Engine, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if messages == nil || connections == nil {
		return nil, errors.New("realtime: nil store")
	}

	e := &Engine{
		log:            log,
		registry:       NewRegistry(),
		messages:       messages,
		writeTimeout:   defaultWriteTimeout,
		handlerTimeout: defaultHandlerTimeout,
		rateEvents:     rateLimitEvents,
		rateWindow:     rateLimitWindow,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.presence = NewPresenceNotifier(log, connections, e.registry, publisher{e})
	return e, nil
}

// Registry exposes the live session registry.
func (e *Engine) Registry() *Registry { return e.registry }

// SetFanout routes notifications produced by action handlers and presence hooks
// through n (e.g. a cross-node relay) instead of delivering them locally.
// It must be called before the engine serves connections.
func (e *Engine) SetFanout(n Notifier) { e.fanout = n }

func (e *Engine) publish(ctx context.Context, userID int64, n v1.ServerNotification) {
	if e.fanout != nil {
		e.fanout.SendServerEvent(ctx, userID, n)
		return
	}
	e.SendServerEvent(ctx, userID, n)
}

// publisher adapts Engine.publish to Notifier.
type publisher struct{ e *Engine }

func (p publisher) SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification) {
	p.e.publish(ctx, userID, n)
}

// HandleConnection runs one connection for userID until the transport fails,
// the peer closes, or ctx is cancelled. It blocks for the connection's lifetime.
//
// A second connection for an already-connected user is closed with a policy
// violation and ErrAlreadyConnected is returned. Transport termination is not an error.
func (e *Engine) HandleConnection(ctx context.Context, userID int64, t Transport) (err error) {
	sess := NewSession(userID, t)

	// Connecting.
	if err := e.registry.Register(userID, sess); err != nil {
		e.metrics.connection("duplicate")
		e.log.Info("engine.session.duplicate", "user_id", userID, "session_id", sess.ID)
		sess.Close(StatusPolicyViolation, duplicateSessionReason)
		return err
	}
	e.metrics.connection("accepted")
	e.metrics.sessionOpened()
	e.log.Info("engine.session.open", "user_id", userID, "session_id", sess.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closed: runs exactly once, on every exit path including panics.
	defer e.closeSession(ctx, sess)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine.readloop.panic", "user_id", userID, "session_id", sess.ID, "panic", r)
			err = fmt.Errorf("realtime: read loop panic: %v", r)
		}
	}()

	// Connected.
	e.spawn(ctx, "presence.connect", func(ctx context.Context) {
		e.presence.OnConnect(ctx, userID)
	})

	reason := e.readLoop(ctx, sess)
	e.log.Info("engine.session.closing", "user_id", userID, "session_id", sess.ID, "reason", reason)
	return nil
}

func (e *Engine) readLoop(ctx context.Context, sess *Session) string {
	rl := NewRateLimiter(e.rateEvents, e.rateWindow)

	for {
		frame, err := sess.transport.Read(ctx)
		if err != nil {
			return closeReason(err)
		}

		if !rl.Allow(e.now()) {
			e.metrics.frameDropped("rate_limited")
			e.log.Debug("engine.frame.drop", "user_id", sess.UserID, "reason", "rate_limited")
			continue
		}

		action, err := v1.Decode(frame)
		if err != nil {
			e.metrics.frameDropped("decode")
			e.log.Debug("engine.frame.drop", "user_id", sess.UserID, "reason", "decode", "err", err)
			continue
		}

		userID := sess.UserID
		e.spawn(ctx, "action."+v1.ActionType(action), func(ctx context.Context) {
			e.handleAction(ctx, userID, action)
		})
	}
}

func (e *Engine) closeSession(ctx context.Context, sess *Session) {
	if e.registry.UnregisterSession(sess.UserID, sess) {
		e.metrics.sessionClosed()
	}
	sess.Close(StatusNormalClosure, "bye")
	e.log.Info("engine.session.closed", "user_id", sess.UserID, "session_id", sess.ID)

	// A newer session for the same user means the user is still online.
	if cur, ok := e.registry.Get(sess.UserID); ok && cur != sess {
		return
	}

	userID := sess.UserID
	e.spawn(ctx, "presence.disconnect", func(ctx context.Context) {
		e.presence.OnDisconnect(ctx, userID)
	})
}

// spawn runs fn in its own goroutine with a context detached from parent's
// cancellation and bounded by the handler timeout. Panics are contained.
func (e *Engine) spawn(parent context.Context, name string, fn func(ctx context.Context)) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("engine.task.panic", "task", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.handlerTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until all in-flight action handlers and presence hooks finish, or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- action handlers ----

func (e *Engine) handleAction(ctx context.Context, userID int64, action v1.ClientAction) {
	var err error
	switch a := action.(type) {
	case v1.SendDirectMessage:
		err = e.onSendDirectMessage(ctx, userID, a)
	case v1.MarkMessageSeen:
		err = e.onMarkMessageSeen(ctx, userID, a)
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}

	typ := v1.ActionType(action)
	switch {
	case err == nil:
		e.metrics.action(typ, "ok")
	case errors.Is(err, errNoop):
		e.metrics.action(typ, "noop")
	default:
		e.metrics.action(typ, "error")
		e.log.Info("engine.action.fail", "user_id", userID, "type", typ, "err", err)
	}
}

func (e *Engine) onSendDirectMessage(ctx context.Context, userID int64, a v1.SendDirectMessage) error {
	if strings.TrimSpace(a.Text) == "" || a.ReceiverID <= 0 {
		return ErrInvalidInput
	}
	if len([]rune(a.Text)) > maxMessageChars {
		return fmt.Errorf("%w: message too long: max=%d chars", ErrInvalidInput, maxMessageChars)
	}

	stored, err := e.messages.Create(ctx, CreateMessageInput{
		SenderID:   userID,
		ReceiverID: a.ReceiverID,
		Text:       a.Text,
		Now:        e.now(),
	})
	if err != nil {
		return fmt.Errorf("store create: %w", err)
	}

	msg := stored.Wire()
	e.publish(ctx, stored.ReceiverID, v1.MessageReceived{Message: msg})
	e.publish(ctx, stored.SenderID, v1.MessageSent{Message: msg, ProvisionalID: a.ProvisionalID})
	return nil
}

func (e *Engine) onMarkMessageSeen(ctx context.Context, userID int64, a v1.MarkMessageSeen) error {
	updated, err := e.messages.MarkSeen(ctx, a.MessageID, userID)
	if errors.Is(err, ErrMessageNotFound) {
		return errNoop
	}
	if err != nil {
		return fmt.Errorf("store mark seen: %w", err)
	}

	e.publish(ctx, updated.SenderID, v1.MessageUpdated{Message: updated.Wire()})
	return nil
}

// ---- push API ----

// SendServerEvent encodes n and writes it to userID's live session on this node.
// Without a live session the call is a no-op; nothing is queued.
// A failed write evicts that session from the registry and closes its transport.
func (e *Engine) SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification) {
	typ := v1.Type(n)

	sess, ok := e.registry.Get(userID)
	if !ok {
		e.metrics.notification(typ, "offline")
		return
	}

	frame, err := v1.Encode(n)
	if err != nil {
		e.metrics.notification(typ, "encode_failed")
		e.log.Error("engine.encode.fail", "user_id", userID, "type", typ, "err", err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	if err := sess.Write(wctx, frame); err != nil {
		e.metrics.notification(typ, "write_failed")
		e.log.Info("engine.write.fail", "user_id", userID, "session_id", sess.ID, "type", typ, "err", err)
		if e.registry.UnregisterSession(userID, sess) {
			e.metrics.sessionClosed()
		}
		sess.Close(StatusInternalError, "write failed")
		return
	}
	e.metrics.notification(typ, "delivered")
}

// ---- read error classification ----

func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context_done"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return "conn_closed"
	default:
		return "read_failed"
	}
}
