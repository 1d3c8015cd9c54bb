package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/router"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

const EventNotificationCreated = "notification.created"

// Event is a domain event raised by an external collaborator.
type Event struct {
	Type          models.NotificationType    `json:"type"`
	SubjectUserID string                     `json:"subject_user_id"`
	SubjectName   string                     `json:"subject_name,omitempty"`
	Payload       models.NotificationPayload `json:"payload"`
}

func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: notification type %q", apperr.ErrInvalidArgument, e.Type)
	}
	if strings.TrimSpace(e.SubjectUserID) == "" {
		return fmt.Errorf("%w: subject user id required", apperr.ErrInvalidArgument)
	}
	switch e.Type {
	case models.NotificationDeposit, models.NotificationWithdrawal:
		if e.Payload.Amount <= 0 || e.Payload.Currency == "" {
			return fmt.Errorf("%w: %s needs amount and currency", apperr.ErrInvalidArgument, e.Type)
		}
	case models.NotificationRegistration:
		if e.Payload.Email == "" {
			return fmt.Errorf("%w: registration needs email", apperr.ErrInvalidArgument)
		}
	}
	return nil
}

// Broadcaster persists domain events as notifications and pushes them to the
// staff channel. Push is best effort; List is the catch-up path.
type Broadcaster struct {
	store   store.NotificationStore
	fanout  router.Fanout
	sink    router.EventSink
	log     *zap.SugaredLogger
	metrics *metric.Metrics
}

func NewBroadcaster(st store.NotificationStore, fanout router.Fanout, sink router.EventSink, log *zap.SugaredLogger, m *metric.Metrics) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broadcaster{store: st, fanout: fanout, sink: sink, log: log, metrics: m}
}

func (b *Broadcaster) Publish(ctx context.Context, ev Event) (*models.Notification, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	n := &models.Notification{
		Type:          ev.Type,
		SubjectUserID: ev.SubjectUserID,
		SubjectName:   ev.SubjectName,
		Payload:       ev.Payload,
	}
	if err := b.store.CreateNotification(ctx, n); err != nil {
		b.metrics.PersistFailed("create_notification")
		b.log.Errorw("notification not persisted", "type", ev.Type, "subject", ev.SubjectUserID, "err", err)
		return nil, fmt.Errorf("%w: create notification: %v", apperr.ErrPersistFailed, err)
	}

	frame, err := protocol.Encode(protocol.TypeNotification, protocol.StaffChannel, n.ID, n)
	if err != nil {
		return n, nil
	}
	delivered := b.fanout.Broadcast(ctx, protocol.StaffChannel, frame)
	b.metrics.NotificationPublished(string(n.Type))
	b.log.Infow("notification published", "id", n.ID, "type", n.Type, "subject", n.SubjectUserID, "delivered", delivered)

	if b.sink != nil {
		b.sink.Emit(ctx, EventNotificationCreated, n.SubjectUserID, n)
	}
	return n, nil
}

func (b *Broadcaster) List(ctx context.Context, sinceID string, limit int) ([]*models.Notification, error) {
	return b.store.ListNotifications(ctx, sinceID, limit)
}

func (b *Broadcaster) MarkRead(ctx context.Context, id string) (*models.Notification, error) {
	return b.store.MarkNotificationRead(ctx, id)
}

func (b *Broadcaster) MarkAllRead(ctx context.Context) (int, error) {
	return b.store.MarkAllNotificationsRead(ctx)
}

func (b *Broadcaster) UnreadCount(ctx context.Context) (int, error) {
	return b.store.CountUnreadNotifications(ctx)
}
