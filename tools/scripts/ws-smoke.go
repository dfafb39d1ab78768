// Package main provides a CI-friendly WebSocket smoke test for bwave realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - send_dm -> dm_received on the receiver and dm_sent (with provisional id) on the sender
//   - seen_dm -> dm_updated on the sender
//   - a second connection for the same user is closed with a policy violation
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultSubprotocol = "bwave.events.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID int64
	conn   *websocket.Conn

	inbox chan v1.ServerNotification
	errCh chan error
}

type identity struct {
	userID int64
	token  string
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.Int64("a", 1, "User id of client A")
		userB   = flag.Int64("b", 2, "User id of client B")
		tokenA  = flag.String("token-a", "", "Bearer token for A (empty: dev header auth via user_id)")
		tokenB  = flag.String("token-b", "", "Bearer token for B (empty: dev header auth via user_id)")
		text    = flag.String("text", "hello bwave 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA <= 0 || *userB <= 0 || *userA == *userB {
		fatalf("-a and -b must be distinct positive user ids")
	}

	root := context.Background()
	idA := identity{userID: *userA, token: *tokenA}
	idB := identity{userID: *userB, token: *tokenB}

	a := mustConnect(root, "A", *wsURL, *origin, idA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, idB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%d B=%d origin=%q\n", a.userID, b.userID, *origin)
	}

	// Let the server register both sessions before pushing to B.
	time.Sleep(200 * time.Millisecond)

	provisionalID := uuid.NewString()
	mustWrite(root, a, v1.TypeSendDM, map[string]any{
		"text":          *text,
		"receiverId":    b.userID,
		"provisionalId": provisionalID,
	}, *timeout)

	received := b.mustReadUntil(root, *timeout, func(n v1.ServerNotification) bool {
		_, ok := n.(v1.MessageReceived)
		return ok
	}).(v1.MessageReceived)
	if received.Message.Text != *text || received.Message.SenderID != a.userID || received.Message.ReceiverID != b.userID {
		fatalf("dm_received mismatch: %+v", received.Message)
	}
	if received.Message.Seen {
		fatalf("dm_received: new message already seen")
	}

	sent := a.mustReadUntil(root, *timeout, func(n v1.ServerNotification) bool {
		_, ok := n.(v1.MessageSent)
		return ok
	}).(v1.MessageSent)
	if sent.ProvisionalID != provisionalID {
		fatalf("dm_sent provisional id mismatch: got=%q want=%q", sent.ProvisionalID, provisionalID)
	}
	if sent.Message.ID != received.Message.ID {
		fatalf("dm_sent id mismatch: sender=%q receiver=%q", sent.Message.ID, received.Message.ID)
	}

	mustWrite(root, b, v1.TypeSeenDM, map[string]any{"messageId": received.Message.ID}, *timeout)

	updated := a.mustReadUntil(root, *timeout, func(n v1.ServerNotification) bool {
		_, ok := n.(v1.MessageUpdated)
		return ok
	}).(v1.MessageUpdated)
	if updated.Message.ID != received.Message.ID || !updated.Message.Seen {
		fatalf("dm_updated mismatch: %+v", updated.Message)
	}

	mustRejectDuplicate(root, *wsURL, *origin, idA, *timeout)

	fmt.Printf("OK: A=%d B=%d message_id=%s provisional_id=%s\n", a.userID, b.userID, received.Message.ID, provisionalID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func dial(parent context.Context, wsURL, origin string, id identity, stepTimeout time.Duration) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, nil, err
	}
	if id.token != "" {
		h.Set("Authorization", "Bearer "+id.token)
	} else {
		q := u.Query()
		q.Set("user_id", strconv.FormatInt(id.userID, 10))
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func mustConnect(parent context.Context, name, wsURL, origin string, id identity, stepTimeout time.Duration) *smokeClient {
	conn, resp, err := dial(parent, wsURL, origin, id, stepTimeout)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: id.userID,
		conn:   conn,
		inbox:  make(chan v1.ServerNotification, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func mustRejectDuplicate(parent context.Context, wsURL, origin string, id identity, stepTimeout time.Duration) {
	conn, _, err := dial(parent, wsURL, origin, id, stepTimeout)
	if err != nil {
		fatalf("duplicate connect: dial: %v", err)
	}
	defer closeWS(conn)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		fatalf("duplicate connect: close status=%v want=%v (err=%v)", got, websocket.StatusPolicyViolation, err)
	}
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			n, err := v1.DecodeNotification(data)
			if err != nil {
				c.fail(fmt.Errorf("bad notification %s: %w", data, err))
				return
			}

			select {
			case c.inbox <- n:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntil returns the first notification matching want. Others (e.g. presence) are skipped.
func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, want func(v1.ServerNotification) bool) v1.ServerNotification {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timed out waiting for notification", c.name)
		case err := <-c.errCh:
			fatalf("%s: read failed: %v", c.name, err)
		case n, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed", c.name)
			}
			if want(n) {
				return n
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, fields map[string]any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	frame := map[string]any{"type": typ}
	for k, v := range fields {
		frame[k] = v
	}
	data, err := json.Marshal(frame)
	if err != nil {
		fatalf("%s: marshal %s: %v", c.name, typ, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("%s: write %s: %v", c.name, typ, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
