package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/notify"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the part of notify.Broadcaster the consumer drives.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) (*models.Notification, error)
}

// EventConsumer turns domain events from Kafka into staff notifications.
// Persist failures are retried with exponential backoff; records that can
// never succeed are logged and committed.
type EventConsumer struct {
	reader     messageReader
	pub        Publisher
	log        *zap.SugaredLogger
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff
}

func NewEventConsumer(brokers []string, topic, groupID string, pub Publisher, maxElapsed time.Duration, log *zap.SugaredLogger) *EventConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newEventConsumer(r, pub, maxElapsed, log)
}

func newEventConsumer(r messageReader, pub Publisher, maxElapsed time.Duration, log *zap.SugaredLogger) *EventConsumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &EventConsumer{reader: r, pub: pub, log: log, maxElapsed: maxElapsed}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = c.maxElapsed
		return b
	}
	return c
}

// Run consumes until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warnw("kafka fetch failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warnw("kafka commit failed", "offset", m.Offset, "err", err)
		}
	}
}

func (c *EventConsumer) handle(ctx context.Context, m kafka.Message) {
	var ev notify.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		c.log.Warnw("event record skipped", "offset", m.Offset, "err", err)
		return
	}
	op := func() error {
		_, err := c.pub.Publish(ctx, ev)
		if err != nil && !errors.Is(err, apperr.ErrPersistFailed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notifyFn := func(err error, wait time.Duration) {
		c.log.Warnw("event publish retry", "type", ev.Type, "subject", ev.SubjectUserID, "in", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notifyFn); err != nil {
		c.log.Errorw("event dropped", "offset", m.Offset, "type", ev.Type, "err", err)
	}
}

func (c *EventConsumer) Close() error { return c.reader.Close() }
