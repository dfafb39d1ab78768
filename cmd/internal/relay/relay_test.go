package relay

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type delivery struct {
	userID int64
	n      v1.ServerNotification
}

type chanSink struct {
	ch chan delivery
}

func newChanSink() *chanSink { return &chanSink{ch: make(chan delivery, 16)} }

func (s *chanSink) SendServerEvent(_ context.Context, userID int64, n v1.ServerNotification) {
	s.ch <- delivery{userID: userID, n: n}
}

func (s *chanSink) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return delivery{}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_DeliverDecodesEnvelope(t *testing.T) {
	t.Parallel()

	sink := newChanSink()
	r, err := New(discardLogger(), Config{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), Sink: sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload, err := encodeEnvelope(7, v1.FriendPresenceChanged{FriendID: 3, Online: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r.deliver(context.Background(), string(payload))

	d := sink.next(t)
	got, ok := d.n.(v1.FriendPresenceChanged)
	if d.userID != 7 || !ok || got.FriendID != 3 || !got.Online {
		t.Fatalf("unexpected delivery %+v", d)
	}

	for _, bad := range []string{
		`not json`,
		`{"userId":0,"frame":{"type":"friend_presence","friendId":1,"online":true}}`,
		`{"userId":1,"frame":{"type":"send_dm","text":"x","receiverId":2}}`,
	} {
		r.deliver(context.Background(), bad)
	}
	select {
	case d := <-sink.ch:
		t.Fatalf("invalid payload was delivered: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{Sink: newChanSink()}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := New(nil, Config{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})}); err == nil {
		t.Fatalf("expected error for nil sink")
	}
}

// Integration test: enabled when BWAVE_REDIS_ADDR is set.
func TestRelay_FanOutAcrossNodes(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("BWAVE_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: BWAVE_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	channel := "bwave:test:" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sinkA, sinkB := newChanSink(), newChanSink()
	nodeA, err := New(discardLogger(), Config{Client: client, Channel: channel, Sink: sinkA})
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	nodeB, err := New(discardLogger(), Config{Client: client, Channel: channel, Sink: sinkB})
	if err != nil {
		t.Fatalf("New B: %v", err)
	}

	var wg sync.WaitGroup
	for _, n := range []*Relay{nodeA, nodeB} {
		wg.Add(1)
		go func(n *Relay) {
			defer wg.Done()
			_ = n.Run(ctx)
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, n := range []*Relay{nodeA, nodeB} {
		select {
		case <-n.Ready():
		case <-time.After(3 * time.Second):
			t.Fatalf("relay never subscribed")
		}
	}

	nodeA.SendServerEvent(ctx, 42, v1.MessageUpdated{Message: v1.DirectMessage{ID: "m1", Seen: true}})

	for _, sink := range []*chanSink{sinkA, sinkB} {
		d := sink.next(t)
		got, ok := d.n.(v1.MessageUpdated)
		if d.userID != 42 || !ok || got.Message.ID != "m1" || !got.Message.Seen {
			t.Fatalf("unexpected delivery %+v", d)
		}
	}
}
