// Package relay fans server notifications out to every bwave node over Redis Pub/Sub.
//
// A user's live session exists on at most one node. Publishing a notification lets
// whichever node holds the session deliver it; every other node drops it as offline.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	v1 "bwave/shared/contracts/realtime/v1"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "bwave:events"

// LocalSink delivers a notification to a session on this node.
type LocalSink interface {
	SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification)
}

type envelope struct {
	UserID int64           `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay publishes notifications to Redis and delivers received ones to the local sink.
// It satisfies the same SendServerEvent contract as the engine.
type Relay struct {
	log     *slog.Logger
	client  redis.UniversalClient
	channel string
	sink    LocalSink

	ready     chan struct{}
	readyOnce sync.Once
}

// Config contains configuration options for the relay.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// Channel is the Pub/Sub channel. Defaults to DefaultChannel if empty.
	Channel string
	// Sink receives notifications for local delivery. Required.
	Sink LocalSink
}

// New constructs a Relay.
func New(log *slog.Logger, cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, errors.New("relay: nil redis client")
	}
	if cfg.Sink == nil {
		return nil, errors.New("relay: nil sink")
	}
	if log == nil {
		log = slog.Default()
	}

	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}

	return &Relay{
		log:     log,
		client:  cfg.Client,
		channel: channel,
		sink:    cfg.Sink,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once Run has an active subscription.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// SendServerEvent publishes n for userID. If publishing fails the notification is
// delivered locally only, so a single-node deployment keeps working through a Redis outage.
func (r *Relay) SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification) {
	payload, err := encodeEnvelope(userID, n)
	if err != nil {
		r.log.Error("relay.encode.fail", "user_id", userID, "type", v1.Type(n), "err", err)
		return
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Error("relay.publish.fail", "user_id", userID, "type", v1.Type(n), "err", err)
		r.sink.SendServerEvent(ctx, userID, n)
	}
}

// Run subscribes to the relay channel and delivers messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so Ready means messages will arrive.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("relay.subscribed", "channel", r.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("relay: subscription closed")
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, payload string) {
	userID, n, err := decodeEnvelope([]byte(payload))
	if err != nil {
		r.log.Info("relay.decode.fail", "err", err)
		return
	}
	r.sink.SendServerEvent(ctx, userID, n)
}

func encodeEnvelope(userID int64, n v1.ServerNotification) ([]byte, error) {
	frame, err := v1.Encode(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{UserID: userID, Frame: frame})
}

func decodeEnvelope(raw []byte) (int64, v1.ServerNotification, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, nil, err
	}
	if env.UserID <= 0 {
		return 0, nil, errors.New("relay: missing user id")
	}
	n, err := v1.DecodeNotification(env.Frame)
	if err != nil {
		return 0, nil, err
	}
	return env.UserID, n, nil
}
