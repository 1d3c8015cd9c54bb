package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backbone relays hub frames between relay instances over one Redis pub/sub
// channel. Frames published by this instance are ignored on receipt.
type Backbone struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.SugaredLogger
}

type backboneMsg struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

func NewBackbone(client *redis.Client, channel string, log *zap.SugaredLogger) *Backbone {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Backbone{client: client, channel: channel, origin: uuid.NewString(), log: log}
}

func (b *Backbone) Origin() string { return b.origin }

// Publish has the shape of hub.Hub.PublishToOtherInstances.
func (b *Backbone) Publish(ctx context.Context, channel string, frame []byte) error {
	msg, err := json.Marshal(backboneMsg{Origin: b.origin, Channel: channel, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, msg).Err()
}

// Run delivers frames from other instances until ctx is done.
func (b *Backbone) Run(ctx context.Context, deliver func(channel string, frame []byte) int) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("backbone subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg backboneMsg
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warnw("backbone message dropped", "err", err)
				continue
			}
			if msg.Origin == b.origin {
				continue
			}
			deliver(msg.Channel, msg.Frame)
		}
	}
}
