package hub

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/metric"
)

// Hub fans frames out to the local subscribers of a channel.
type Hub struct {
	*Registry

	log     *zap.SugaredLogger
	metrics *metric.Metrics

	// publish function for cross-instance broadcasting (optional)
	PublishToOtherInstances func(ctx context.Context, channel string, frame []byte) error
}

func NewHub(log *zap.SugaredLogger, m *metric.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{Registry: NewRegistry(), log: log, metrics: m}
}

// Broadcast delivers frame to every current subscriber of channel and, when
// configured, forwards it to other instances. It returns the number of local
// subscribers that accepted the frame.
func (h *Hub) Broadcast(ctx context.Context, channel string, frame []byte) int {
	n := h.DeliverLocal(channel, frame)
	if h.PublishToOtherInstances != nil {
		if err := h.PublishToOtherInstances(ctx, channel, frame); err != nil {
			h.log.Warnw("cross-instance publish failed", "channel", channel, "err", err)
		}
	}
	return n
}

// DeliverLocal fans out to this instance only.
func (h *Hub) DeliverLocal(channel string, frame []byte) int {
	subs := h.SubscribersOf(channel)
	delivered := 0
	for _, s := range subs {
		if s.Deliver(frame) {
			delivered++
			continue
		}
		h.metrics.Dropped()
		h.log.Debugw("frame not accepted", "channel", channel, "subscriber", s.ID())
	}
	h.metrics.FannedOut(channelKind(channel), delivered)
	return delivered
}

func channelKind(channel string) string {
	if i := strings.IndexByte(channel, ':'); i > 0 {
		return channel[:i]
	}
	return channel
}
