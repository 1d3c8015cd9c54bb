package ws

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/auth"
	"github.com/fathima-sithara/ops-relay/internal/hub"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/router"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]int
	touches map[string]int
}

func (p *fakePresence) AddConnection(_ context.Context, userID, _, _ string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return nil
}

func (p *fakePresence) Touch(_ context.Context, userID string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches[userID]++
	return nil
}

func (p *fakePresence) RemoveConnection(_ context.Context, userID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]--
	return nil
}

func (p *fakePresence) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) touched(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.touches[userID]
}

type env struct {
	url      string
	hub      *hub.Hub
	store    *store.MemoryStore
	metrics  *metric.Metrics
	presence *fakePresence
}

// startServer mounts the socket handler behind a stand-in for the auth
// middleware that trusts the user and role query parameters.
func startServer(t *testing.T, opts Options) *env {
	t.Helper()
	log := zap.NewNop().Sugar()
	m := metric.New()
	st := store.NewMemoryStore(store.NewClock(nil))
	h := hub.NewHub(log, m)
	rt := router.New(st, readstate.New(st), h, nil, log, m, router.Options{})
	pr := &fakePresence{online: map[string]int{}, touches: map[string]int{}}
	srv := NewServer(h, rt, st, pr, log, m, opts)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", func(c *fiber.Ctx) error {
		c.Locals(auth.LocalsKey, auth.Identity{UserID: c.Query("user"), Role: auth.Role(c.Query("role"))})
		return c.Next()
	})
	app.Get("/ws", websocket.New(srv.HandleWS()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return &env{url: "ws://" + ln.Addr().String() + "/ws", hub: h, store: st, metrics: m, presence: pr}
}

type client struct {
	t    *testing.T
	conn *fws.Conn
}

func (e *env) dial(t *testing.T, user string, role auth.Role) *client {
	t.Helper()
	q := url.Values{"user": {user}, "role": {string(role)}}
	conn, _, err := fws.DefaultDialer.Dial(e.url+"?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ, channel, msgID string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(typ, channel, msgID, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(fws.TextMessage, frame))
}

// next returns the next frame of type typ, skipping others.
func (c *client) next(typ string) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		e, err := protocol.Decode(data)
		require.NoError(c.t, err)
		if e.Type == typ {
			return e
		}
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	e := startServer(t, Options{})
	conv, err := e.store.CreateConversation(context.Background(), "u1", "")
	require.NoError(t, err)

	owner := e.dial(t, "u1", auth.RoleUser)
	owner.send(protocol.TypeSubscribe, protocol.StaffChannel, "s1", nil)
	errFrame := owner.next(protocol.TypeError)
	assert.Equal(t, "s1", errFrame.MsgID)
	var ep protocol.ErrorPayload
	require.NoError(t, errFrame.DecodePayload(&ep))
	assert.Equal(t, "forbidden", ep.Code)

	owner.send(protocol.TypeSubscribe, protocol.ConversationChannel(conv.ID), "s2", nil)
	assert.Equal(t, "s2", owner.next(protocol.TypeSubscribed).MsgID)

	stranger := e.dial(t, "u2", auth.RoleUser)
	stranger.send(protocol.TypeSubscribe, protocol.ConversationChannel(conv.ID), "s3", nil)
	assert.Equal(t, "s3", stranger.next(protocol.TypeError).MsgID)

	staff := e.dial(t, "op1", auth.RoleAdmin)
	staff.send(protocol.TypeSubscribe, protocol.StaffChannel, "s4", nil)
	assert.Equal(t, "s4", staff.next(protocol.TypeSubscribed).MsgID)
	assert.Equal(t, 1, e.hub.Count(protocol.StaffChannel))
}

func TestUserMessageRoundTrip(t *testing.T) {
	e := startServer(t, Options{})

	staff := e.dial(t, "op1", auth.RoleAdmin)
	staff.send(protocol.TypeSubscribe, protocol.StaffChannel, "", nil)
	staff.next(protocol.TypeSubscribed)

	user := e.dial(t, "u1", auth.RoleUser)
	user.send(protocol.TypeMessage, "", "tmp-1", protocol.SendPayload{Body: "need help"})

	msg := user.next(protocol.TypeMessage)
	assert.Equal(t, "tmp-1", msg.MsgID)
	ack := user.next(protocol.TypeAck)
	assert.Equal(t, "tmp-1", ack.MsgID)
	var ap protocol.AckPayload
	require.NoError(t, ack.DecodePayload(&ap))
	require.NotNil(t, ap.Message)
	assert.Equal(t, "need help", ap.Message.Body)

	created := staff.next(protocol.TypeConversationCreated)
	var cp protocol.ConversationPayload
	require.NoError(t, created.DecodePayload(&cp))
	assert.Equal(t, ap.ConversationID, cp.Conversation.ID)

	// operator joins and replies; the user sees it on the conversation channel
	staff.send(protocol.TypeSubscribe, protocol.ConversationChannel(ap.ConversationID), "", nil)
	staff.next(protocol.TypeSubscribed)
	staff.send(protocol.TypeMessage, "", "op-tmp", protocol.SendPayload{ConversationID: ap.ConversationID, Body: "on it"})
	reply := user.next(protocol.TypeMessage)
	var mp protocol.MessagePayload
	require.NoError(t, reply.DecodePayload(&mp))
	assert.Equal(t, "on it", mp.Message.Body)
	assert.Equal(t, "op-tmp", mp.ClientID)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	e := startServer(t, Options{})
	c := e.dial(t, "u1", auth.RoleUser)

	require.NoError(t, c.conn.WriteMessage(fws.TextMessage, []byte("{nope")))
	require.NoError(t, c.conn.WriteMessage(fws.TextMessage, []byte(`{"channel":"staff"}`)))
	c.send(protocol.TypeMessage, "", "m1", protocol.SendPayload{Body: "still here"})
	assert.Equal(t, "m1", c.next(protocol.TypeAck).MsgID)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.MalformedFrames))
}

func TestTypingRequiresSubscription(t *testing.T) {
	e := startServer(t, Options{})
	conv, err := e.store.CreateConversation(context.Background(), "u1", "")
	require.NoError(t, err)

	c := e.dial(t, "u1", auth.RoleUser)
	c.send(protocol.TypeTyping, "", "t1", protocol.ConversationRef{ConversationID: conv.ID})
	assert.Equal(t, "t1", c.next(protocol.TypeError).MsgID)

	c.send(protocol.TypeSubscribe, protocol.ConversationChannel(conv.ID), "", nil)
	c.next(protocol.TypeSubscribed)
	c.send(protocol.TypeTyping, "", "t2", protocol.ConversationRef{ConversationID: conv.ID})
	typing := c.next(protocol.TypeTyping)
	var tp protocol.TypingPayload
	require.NoError(t, typing.DecodePayload(&tp))
	assert.Equal(t, "u1", tp.UserID)
}

func TestRateLimitedFrames(t *testing.T) {
	e := startServer(t, Options{RatePerSecond: 1, RateBurst: 1})
	c := e.dial(t, "u1", auth.RoleUser)
	c.send(protocol.TypeMessage, "", "a", protocol.SendPayload{Body: "one"})
	c.send(protocol.TypeMessage, "", "b", protocol.SendPayload{Body: "two"})

	errFrame := c.next(protocol.TypeError)
	var ep protocol.ErrorPayload
	require.NoError(t, errFrame.DecodePayload(&ep))
	assert.Equal(t, "rate_limited", ep.Code)
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	e := startServer(t, Options{})
	c := e.dial(t, "op1", auth.RoleAdmin)
	c.send(protocol.TypeSubscribe, protocol.StaffChannel, "", nil)
	c.next(protocol.TypeSubscribed)
	assert.Equal(t, 1, e.presence.count("op1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Connections))

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		return e.hub.Count(protocol.StaffChannel) == 0 && e.presence.count("op1") == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.metrics.Connections) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsCut(t *testing.T) {
	c := newConnection(nil, "c1", auth.Identity{UserID: "u1", Role: auth.RoleUser}, Options{SendBuffer: 1, RatePerSecond: 1, RateBurst: 1})
	assert.True(t, c.Deliver([]byte("a")))
	assert.False(t, c.Deliver([]byte("b")))
	assert.False(t, c.Deliver([]byte("c")))

	// the buffered frame is still drained before the channel reports closed
	frame, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "a", string(frame))
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestIdleSocketRefreshesPresence(t *testing.T) {
	e := startServer(t, Options{
		PingInterval: 100 * time.Millisecond,
		PongWait:     400 * time.Millisecond,
		PresenceTTL:  300 * time.Millisecond,
	})
	c := e.dial(t, "idle", auth.RoleAdmin)

	// only control frames flow; reading lets the client answer pings
	go func() {
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return e.presence.touched("idle") >= 2 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, e.presence.count("idle"))
}
