package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

// Fanout delivers a frame to every current subscriber of a channel.
type Fanout interface {
	Broadcast(ctx context.Context, channel string, frame []byte) int
}

// EventSink receives audit events. Emit must not block on the sink's
// backend.
type EventSink interface {
	Emit(ctx context.Context, event, key string, payload any)
}

const (
	EventConversationCreated = "conversation.created"
	EventMessageSent         = "message.sent"
	EventMessageDeleted      = "message.deleted"
	EventConversationDeleted = "conversation.deleted"
	EventConversationUpdated = "conversation.updated"
)

const BotSenderID = "support-bot"

type Options struct {
	// Greeting, when set, is posted by the bot after a conversation's first
	// user message.
	Greeting string
	Stripes  int
}

// Inbound is one chat message entering the router.
type Inbound struct {
	SenderID       string
	ConversationID string
	Body           string
	// ClientID is the sender's temporary id, echoed back for reconciliation.
	ClientID string
	// Category applies only when a new conversation is opened.
	Category string
	// OnOpen runs after a new conversation is created and before anything
	// is fanned out for it, so the sender can subscribe in time.
	OnOpen func(conversationID string)
}

// Delivery describes a routed message.
type Delivery struct {
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Message      *models.ChatMessage  `json:"message"`
	Created      bool                 `json:"created"`
	Recipients   int                  `json:"recipients"`
	Greeting     *models.ChatMessage  `json:"greeting,omitempty"`
}

type Router struct {
	store   store.ConversationStore
	reads   *readstate.Tracker
	fanout  Fanout
	sink    EventSink
	log     *zap.SugaredLogger
	metrics *metric.Metrics
	opts    Options

	locks []sync.Mutex
}

func New(st store.ConversationStore, reads *readstate.Tracker, fanout Fanout, sink EventSink, log *zap.SugaredLogger, m *metric.Metrics, opts Options) *Router {
	if opts.Stripes <= 0 {
		opts.Stripes = 64
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{
		store:   st,
		reads:   reads,
		fanout:  fanout,
		sink:    sink,
		log:     log,
		metrics: m,
		opts:    opts,
		locks:   make([]sync.Mutex, opts.Stripes),
	}
}

// lock serializes append and fan-out per conversation so every subscriber
// sees a conversation's frames in append order.
func (r *Router) lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &r.locks[h.Sum32()%uint32(len(r.locks))]
	mu.Lock()
	return mu.Unlock
}

func (r *Router) persistErr(op string, err error) error {
	if apperr.IsNotFound(err) || errors.Is(err, apperr.ErrInvalidArgument) || errors.Is(err, apperr.ErrForbidden) {
		return err
	}
	r.metrics.PersistFailed(op)
	r.log.Errorw("persist failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", apperr.ErrPersistFailed, op, err)
}

func (r *Router) emit(ctx context.Context, event, key string, payload any) {
	if r.sink != nil {
		r.sink.Emit(ctx, event, key, payload)
	}
}

func (r *Router) broadcast(ctx context.Context, channel, typ, msgID string, payload any) int {
	frame, err := protocol.Encode(typ, channel, msgID, payload)
	if err != nil {
		r.log.Errorw("encode frame", "type", typ, "err", err)
		return 0
	}
	return r.fanout.Broadcast(ctx, channel, frame)
}

// RouteUserMessage appends a user message, opening a conversation first when
// in.ConversationID is empty. The first message of a conversation is also
// announced on the staff channel.
func (r *Router) RouteUserMessage(ctx context.Context, in Inbound) (*Delivery, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: empty body", apperr.ErrInvalidArgument)
	}

	var (
		conv    *models.Conversation
		created bool
		err     error
	)
	if in.ConversationID == "" {
		conv, err = r.store.CreateConversation(ctx, in.SenderID, in.Category)
		if err != nil {
			return nil, r.persistErr("create_conversation", err)
		}
		created = true
	}
	convID := in.ConversationID
	if created {
		convID = conv.ID
	}

	unlock := r.lock(convID)
	defer unlock()

	if created && in.OnOpen != nil {
		in.OnOpen(convID)
	}
	if !created {
		conv, err = r.store.GetConversation(ctx, convID)
		if err != nil {
			return nil, r.persistErr("get_conversation", err)
		}
		if conv.UserID != in.SenderID {
			return nil, apperr.ErrForbidden
		}
	}
	first := created || conv.MessageCount == 0

	msg, err := r.store.AppendMessage(ctx, convID, in.SenderID, models.SenderUser, in.Body)
	if err != nil {
		return nil, r.persistErr("append_message", err)
	}
	conv.LastMessageAt = msg.CreatedAt
	conv.MessageCount++

	d := &Delivery{Conversation: conv, Message: msg, Created: created}
	d.Recipients = r.broadcast(ctx, protocol.ConversationChannel(convID), protocol.TypeMessage, in.ClientID, protocol.MessagePayload{
		ConversationID: convID,
		ClientID:       in.ClientID,
		Message:        msg,
		Files:          msg.Files(),
	})
	if first {
		r.broadcast(ctx, protocol.StaffChannel, protocol.TypeConversationCreated, "", protocol.ConversationPayload{
			Conversation: conv,
			Message:      msg,
		})
	}
	if first && r.opts.Greeting != "" {
		d.Greeting = r.appendBot(ctx, conv)
	}
	r.pushUnread(ctx, convID, models.SenderAdmin, protocol.StaffChannel)

	if created {
		r.emit(ctx, EventConversationCreated, convID, conv)
	}
	r.emit(ctx, EventMessageSent, convID, msg)
	return d, nil
}

// appendBot posts the greeting. Failure is logged only; the user's message
// has already been delivered.
func (r *Router) appendBot(ctx context.Context, conv *models.Conversation) *models.ChatMessage {
	msg, err := r.store.AppendMessage(ctx, conv.ID, BotSenderID, models.SenderBot, r.opts.Greeting)
	if err != nil {
		r.metrics.PersistFailed("append_greeting")
		r.log.Warnw("greeting not persisted", "conversation", conv.ID, "err", err)
		return nil
	}
	conv.LastMessageAt = msg.CreatedAt
	conv.MessageCount++
	r.broadcast(ctx, protocol.ConversationChannel(conv.ID), protocol.TypeMessage, "", protocol.MessagePayload{
		ConversationID: conv.ID,
		Message:        msg,
	})
	return msg
}

// RouteAdminMessage appends an operator reply and fans it out on the
// conversation channel only. The frame carries the client id so the sending
// console can drop its own echo.
func (r *Router) RouteAdminMessage(ctx context.Context, in Inbound) (*Delivery, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: empty body", apperr.ErrInvalidArgument)
	}
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id required", apperr.ErrInvalidArgument)
	}

	unlock := r.lock(in.ConversationID)
	defer unlock()

	msg, err := r.store.AppendMessage(ctx, in.ConversationID, in.SenderID, models.SenderAdmin, in.Body)
	if err != nil {
		return nil, r.persistErr("append_message", err)
	}
	d := &Delivery{Message: msg}
	d.Recipients = r.broadcast(ctx, protocol.ConversationChannel(in.ConversationID), protocol.TypeMessage, in.ClientID, protocol.MessagePayload{
		ConversationID: in.ConversationID,
		ClientID:       in.ClientID,
		Message:        msg,
		Files:          msg.Files(),
	})
	r.pushUnread(ctx, in.ConversationID, models.SenderUser, protocol.ConversationChannel(in.ConversationID))

	r.emit(ctx, EventMessageSent, in.ConversationID, msg)
	return d, nil
}

func (r *Router) pushUnread(ctx context.Context, conversationID string, viewer models.SenderRole, channel string) {
	n, err := r.reads.UnreadCountFor(ctx, viewer, conversationID)
	if err != nil {
		r.log.Warnw("unread count", "conversation", conversationID, "err", err)
		return
	}
	r.broadcast(ctx, channel, protocol.TypeUnread, "", protocol.UnreadPayload{
		ConversationID: conversationID,
		ViewerRole:     string(viewer),
		Count:          n,
	})
}

// MarkRead clears the unread flag on every message not authored by viewer
// and sends a read receipt to the conversation channel.
func (r *Router) MarkRead(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	if !viewer.Valid() {
		return 0, fmt.Errorf("%w: viewer role %q", apperr.ErrInvalidArgument, viewer)
	}
	unlock := r.lock(conversationID)
	defer unlock()

	marked, err := r.reads.MarkRead(ctx, conversationID, viewer)
	if err != nil {
		return 0, r.persistErr("mark_read", err)
	}
	r.broadcast(ctx, protocol.ConversationChannel(conversationID), protocol.TypeRead, "", protocol.ReadPayload{
		ConversationID: conversationID,
		ViewerRole:     string(viewer),
		Marked:         marked,
	})
	if viewer == models.SenderAdmin {
		r.broadcast(ctx, protocol.StaffChannel, protocol.TypeUnread, "", protocol.UnreadPayload{
			ConversationID: conversationID,
			ViewerRole:     string(viewer),
		})
	}
	return marked, nil
}

// Typing relays a typing indicator. Nothing is persisted.
func (r *Router) Typing(ctx context.Context, conversationID, userID string, role models.SenderRole) int {
	return r.broadcast(ctx, protocol.ConversationChannel(conversationID), protocol.TypeTyping, "", protocol.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           string(role),
	})
}

func (r *Router) DeleteMessage(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	msg, err := r.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return nil, r.persistErr("delete_message", err)
	}
	// an append holds the stripe through its fan-out, so its message frame
	// always reaches subscribers before this deletion
	unlock := r.lock(msg.ConversationID)
	defer unlock()
	r.broadcast(ctx, protocol.ConversationChannel(msg.ConversationID), protocol.TypeMessageDeleted, "", protocol.MessageDeletedPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	r.emit(ctx, EventMessageDeleted, msg.ConversationID, msg)
	return msg, nil
}

func (r *Router) DeleteConversation(ctx context.Context, conversationID string) error {
	unlock := r.lock(conversationID)
	defer unlock()

	conv, err := r.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return r.persistErr("delete_conversation", err)
	}
	payload := protocol.ConversationPayload{Conversation: conv}
	r.broadcast(ctx, protocol.ConversationChannel(conversationID), protocol.TypeConversationDeleted, "", payload)
	r.broadcast(ctx, protocol.StaffChannel, protocol.TypeConversationDeleted, "", payload)
	r.emit(ctx, EventConversationDeleted, conversationID, conv)
	return nil
}

func (r *Router) UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus) (*models.Conversation, error) {
	return r.update(ctx, conversationID, "update_status", func() (*models.Conversation, error) {
		return r.store.UpdateStatus(ctx, conversationID, status)
	})
}

func (r *Router) UpdatePriority(ctx context.Context, conversationID string, p models.Priority) (*models.Conversation, error) {
	return r.update(ctx, conversationID, "update_priority", func() (*models.Conversation, error) {
		return r.store.UpdatePriority(ctx, conversationID, p)
	})
}

func (r *Router) Assign(ctx context.Context, conversationID, operatorID string) (*models.Conversation, error) {
	return r.update(ctx, conversationID, "assign", func() (*models.Conversation, error) {
		return r.store.AssignOperator(ctx, conversationID, operatorID)
	})
}

func (r *Router) update(ctx context.Context, conversationID, op string, fn func() (*models.Conversation, error)) (*models.Conversation, error) {
	unlock := r.lock(conversationID)
	defer unlock()

	conv, err := fn()
	if err != nil {
		return nil, r.persistErr(op, err)
	}
	payload := protocol.ConversationPayload{Conversation: conv}
	r.broadcast(ctx, protocol.ConversationChannel(conversationID), protocol.TypeConversationUpdated, "", payload)
	r.broadcast(ctx, protocol.StaffChannel, protocol.TypeConversationUpdated, "", payload)
	r.emit(ctx, EventConversationUpdated, conversationID, conv)
	return conv, nil
}
