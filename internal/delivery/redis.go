package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "farmchat:events"

type envelope struct {
	Origin    string     `json:"origin"`
	Recipient string     `json:"recipient"`
	Event     chat.Event `json:"event"`
}

// RedisBridge extends a Hub across nodes. Publish delivers to local
// connections first and then broadcasts on a Redis channel; Run relays what
// other nodes broadcast into the local hub.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	node    string
	logger  *zap.Logger
	ready   chan struct{}
}

func NewRedisBridge(client redis.UniversalClient, channel string, hub *Hub, logger *zap.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		hub:     hub,
		node:    uuid.NewString(),
		logger:  logger.Named("redis"),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run holds a confirmed subscription.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBridge) Publish(ctx context.Context, evt chat.Event) error {
	if err := b.hub.Publish(ctx, evt); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Origin: b.node, Recipient: evt.Recipient, Event: evt})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run blocks until ctx is done or the subscription fails.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	close(b.ready)
	b.logger.Info("relaying events", zap.String("channel", b.channel), zap.String("node", b.node))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bad envelope", zap.Error(err))
				continue
			}
			if env.Origin == b.node {
				continue
			}
			evt := env.Event
			evt.Recipient = env.Recipient
			_ = b.hub.Publish(ctx, evt)
		}
	}
}

var _ chat.Publisher = (*RedisBridge)(nil)
