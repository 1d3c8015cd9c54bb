package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/auth"
	"github.com/fathima-sithara/ops-relay/internal/hub"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/router"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RatePerSecond  int
	RateBurst      int
	PresenceTTL    time.Duration
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = o.RatePerSecond * 2
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = time.Minute
	}
}

// Presence records which users hold live sockets.
type Presence interface {
	AddConnection(ctx context.Context, userID, socketID, role string, ttl time.Duration) error
	Touch(ctx context.Context, userID string, ttl time.Duration) error
	RemoveConnection(ctx context.Context, userID, socketID string) error
}

type Server struct {
	hub      *hub.Hub
	router   *router.Router
	store    store.ConversationStore
	presence Presence
	log      *zap.SugaredLogger
	metrics  *metric.Metrics
	opts     Options
}

func NewServer(h *hub.Hub, r *router.Router, st store.ConversationStore, presence Presence, log *zap.SugaredLogger, m *metric.Metrics, opts Options) *Server {
	opts.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{hub: h, router: r, store: st, presence: presence, log: log, metrics: m, opts: opts}
}

// HandleWS serves one socket. The identity must already be in the conn
// locals; the route is mounted behind auth.Middleware.
func (s *Server) HandleWS() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		ident, ok := conn.Locals(auth.LocalsKey).(auth.Identity)
		if !ok || ident.UserID == "" {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
			_ = conn.Close()
			return
		}

		c := newConnection(conn, uuid.NewString(), ident, s.opts)
		ctx := context.Background()
		s.metrics.ConnOpened()
		if s.presence != nil {
			if err := s.presence.AddConnection(ctx, ident.UserID, c.id, string(ident.Role), s.opts.PresenceTTL); err != nil {
				s.log.Warnw("presence add failed", "user", ident.UserID, "err", err)
			}
		}
		s.log.Infow("socket opened", "conn", c.id, "user", ident.UserID, "role", ident.Role)

		go c.writePump(s.opts.PingInterval, s.opts.WriteDeadline)
		s.readPump(c)

		// no channel may reference the connection once the handler returns
		channels := s.hub.UnsubscribeAll(c)
		c.close()
		<-c.done
		if s.presence != nil {
			if err := s.presence.RemoveConnection(ctx, ident.UserID, c.id); err != nil {
				s.log.Warnw("presence remove failed", "user", ident.UserID, "err", err)
			}
		}
		s.metrics.ConnClosed()
		s.log.Infow("socket closed", "conn", c.id, "user", ident.UserID, "channels", len(channels))
	}
}

func (s *Server) readPump(c *Connection) {
	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	// an idle but live socket keeps its presence key alive through pongs;
	// refreshes are spaced at half the TTL
	var lastTouch time.Time
	touch := func() {
		if s.presence == nil || time.Since(lastTouch) < s.opts.PresenceTTL/2 {
			return
		}
		lastTouch = time.Now()
		if err := s.presence.Touch(context.Background(), c.ident.UserID, s.opts.PresenceTTL); err != nil {
			s.log.Warnw("presence refresh", "user", c.ident.UserID, "err", err)
		}
	}
	c.ws.SetPongHandler(func(string) error {
		touch()
		return c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("socket read ended", "conn", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		if mt != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			s.replyError(c, "", apperr.ErrRateLimited)
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.metrics.Malformed()
			s.log.Warnw("malformed frame dropped", "conn", c.id, "err", err)
			continue
		}
		touch()
		s.dispatch(context.Background(), c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *Connection, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeSubscribe:
		err = s.handleSubscribe(ctx, c, env)
	case protocol.TypeUnsubscribe:
		s.hub.Unsubscribe(c, env.Channel)
		s.reply(c, protocol.TypeUnsubscribed, env.MsgID, protocol.SubscriptionPayload{Channel: env.Channel})
	case protocol.TypeMessage:
		err = s.handleMessage(ctx, c, env)
	case protocol.TypeRead:
		err = s.handleRead(ctx, c, env)
	case protocol.TypeTyping:
		err = s.handleTyping(ctx, c, env)
	default:
		s.log.Debugw("unknown frame type", "conn", c.id, "type", env.Type)
		return
	}
	if err != nil {
		if errors.Is(err, apperr.ErrMalformedFrame) {
			s.metrics.Malformed()
		}
		s.replyError(c, env.MsgID, err)
	}
}

func (s *Server) reply(c *Connection, typ, msgID string, payload any) {
	frame, err := protocol.Encode(typ, "", msgID, payload)
	if err != nil {
		s.log.Errorw("encode reply", "type", typ, "err", err)
		return
	}
	c.Deliver(frame)
}

func (s *Server) replyError(c *Connection, msgID string, err error) {
	s.reply(c, protocol.TypeError, msgID, protocol.ErrorPayload{Code: apperr.Code(err), Error: err.Error()})
}

// authorizeChannel decides whether ident may listen on channel. Staff may
// join anything; users only their own conversations.
func (s *Server) authorizeChannel(ctx context.Context, ident auth.Identity, channel string) error {
	if channel == protocol.StaffChannel {
		if !ident.IsStaff() {
			return apperr.ErrForbidden
		}
		return nil
	}
	convID, ok := protocol.ConversationFromChannel(channel)
	if !ok {
		return apperr.ErrInvalidArgument
	}
	return s.authorizeConversation(ctx, ident, convID)
}

func (s *Server) authorizeConversation(ctx context.Context, ident auth.Identity, convID string) error {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !ident.IsStaff() && conv.UserID != ident.UserID {
		return apperr.ErrForbidden
	}
	return nil
}

func (s *Server) handleSubscribe(ctx context.Context, c *Connection, env protocol.Envelope) error {
	if err := s.authorizeChannel(ctx, c.ident, env.Channel); err != nil {
		return err
	}
	s.hub.Subscribe(c, env.Channel)
	s.reply(c, protocol.TypeSubscribed, env.MsgID, protocol.SubscriptionPayload{Channel: env.Channel})
	return nil
}

func (s *Server) handleMessage(ctx context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.SendPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	in := router.Inbound{
		SenderID:       c.ident.UserID,
		ConversationID: p.ConversationID,
		Body:           p.Body,
		ClientID:       env.MsgID,
		Category:       p.Category,
		OnOpen: func(id string) {
			s.hub.Subscribe(c, protocol.ConversationChannel(id))
		},
	}

	var (
		d   *router.Delivery
		err error
	)
	switch c.ident.Role {
	case auth.RoleUser:
		d, err = s.router.RouteUserMessage(ctx, in)
	case auth.RoleAdmin:
		d, err = s.router.RouteAdminMessage(ctx, in)
	default:
		return apperr.ErrForbidden
	}
	if err != nil {
		return err
	}
	s.reply(c, protocol.TypeAck, env.MsgID, protocol.AckPayload{
		ConversationID: d.Message.ConversationID,
		Message:        d.Message,
	})
	return nil
}

func (s *Server) handleRead(ctx context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.ConversationRef
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if err := s.authorizeConversation(ctx, c.ident, p.ConversationID); err != nil {
		return err
	}
	_, err := s.router.MarkRead(ctx, p.ConversationID, viewerRole(c.ident))
	return err
}

func (s *Server) handleTyping(ctx context.Context, c *Connection, env protocol.Envelope) error {
	var p protocol.ConversationRef
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if !s.hub.IsSubscribed(c, protocol.ConversationChannel(p.ConversationID)) {
		return apperr.ErrForbidden
	}
	s.router.Typing(ctx, p.ConversationID, c.ident.UserID, viewerRole(c.ident))
	return nil
}

func viewerRole(ident auth.Identity) models.SenderRole {
	if ident.IsStaff() {
		return models.SenderAdmin
	}
	return models.SenderUser
}
