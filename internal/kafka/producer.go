package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuditProducer ships relay audit events to Kafka. It satisfies
// router.EventSink. A tripped breaker drops events instead of queueing.
type AuditProducer struct {
	writer messageWriter
	cb     *gobreaker.CircuitBreaker
	log    *zap.SugaredLogger
}

type auditRecord struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

func NewAuditProducer(brokers []string, topic string, log *zap.SugaredLogger) *AuditProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil && log != nil {
				log.Warnw("audit batch failed", "count", len(msgs), "err", err)
			}
		},
	}
	return newAuditProducer(w, log)
}

func newAuditProducer(w messageWriter, log *zap.SugaredLogger) *AuditProducer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	st := gobreaker.Settings{
		Name:        "audit",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &AuditProducer{writer: w, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

func (p *AuditProducer) Emit(ctx context.Context, event, key string, payload any) {
	data, err := json.Marshal(auditRecord{Event: event, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		p.log.Warnw("audit marshal failed", "event", event, "err", err)
		return
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.log.Warnw("audit emit failed", "event", event, "key", key, "err", err)
	}
}

func (p *AuditProducer) State() gobreaker.State { return p.cb.State() }

func (p *AuditProducer) Close() error { return p.writer.Close() }
