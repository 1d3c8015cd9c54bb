package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
)

// Conn is a client handle to one relay socket. It reconnects on its own
// until Close and re-issues every active subscription after each reconnect.
type Conn struct {
	endpoint string
	opts     Options
	dialer   *websocket.Dialer

	state atomic.Int32

	mu      sync.Mutex
	subs    map[string]struct{}
	handler func(protocol.Envelope)

	outbound chan []byte
	inbound  chan []byte
	// pending holds a frame whose write failed; it goes out first on the
	// next socket.
	pending []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	sockDone  chan struct{}
}

// Open dials endpoint once. A failed first dial is reported as
// apperr.ErrConnectFailed; later drops are recovered internally.
func Open(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	opts.fill()
	c := &Conn{
		endpoint: endpoint,
		opts:     opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		subs:     make(map[string]struct{}),
		outbound: make(chan []byte, opts.SendBuffer),
		inbound:  make(chan []byte, opts.SendBuffer),
		sockDone: make(chan struct{}),
	}
	c.setState(StateConnecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("%w: %v", apperr.ErrConnectFailed, err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.dispatch()
	go c.run(ws)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

// OnMessage registers the receive callback. It runs on one dedicated
// goroutine, once per inbound frame, in arrival order.
func (c *Conn) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Send queues a raw frame. It blocks while the outbound buffer is full and
// fails with apperr.ErrNotConnected once the handle is closed.
func (c *Conn) Send(payload []byte) error {
	return c.SendContext(context.Background(), payload)
}

func (c *Conn) SendContext(ctx context.Context, payload []byte) error {
	if c.ctx.Err() != nil {
		return apperr.ErrNotConnected
	}
	select {
	case c.outbound <- payload:
		return nil
	case <-c.ctx.Done():
		return apperr.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) SendEnvelope(typ, channel, msgID string, payload any) error {
	b, err := protocol.Encode(typ, channel, msgID, payload)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// Subscribe records channel as wanted and asks the server for it.
func (c *Conn) Subscribe(channel string) error {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
	return c.SendEnvelope(protocol.TypeSubscribe, channel, "", nil)
}

func (c *Conn) Unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
	return c.SendEnvelope(protocol.TypeUnsubscribe, channel, "", nil)
}

func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Close stops reconnecting and releases the socket. Safe to call more than
// once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.cancel()
		<-c.sockDone
		c.setState(StateClosed)
	})
	return nil
}

func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.sockDone)
	for {
		c.setState(StateOpen)
		c.serve(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateClosed)
		c.setState(StateReconnecting)
		ws = c.redial()
		if ws == nil {
			return
		}
	}
}

func (c *Conn) redial() *websocket.Conn {
	var ws *websocket.Conn
	op := func() error {
		conn, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.opts.Logger.Warnw("reconnect failed", "endpoint", c.endpoint, "retry_in", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.opts.newBackOff(), c.ctx), notify); err != nil {
		return nil
	}
	c.opts.Logger.Infow("reconnected", "endpoint", c.endpoint)
	return ws
}

// serve pumps one socket until it dies or the handle is closed.
func (c *Conn) serve(ws *websocket.Conn) {
	readerDone := make(chan struct{})
	go c.readLoop(ws, readerDone)
	defer func() {
		_ = ws.Close()
		<-readerDone
	}()

	for _, ch := range c.Subscriptions() {
		frame := protocol.MustEncode(protocol.TypeSubscribe, ch, "", nil)
		if !c.write(ws, frame) {
			return
		}
	}
	if c.pending != nil {
		if !c.write(ws, c.pending) {
			return
		}
		c.pending = nil
	}

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.outbound:
			if !c.write(ws, frame) {
				c.pending = frame
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteDeadline)); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-c.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Conn) write(ws *websocket.Conn, frame []byte) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.opts.Logger.Debugw("write failed", "err", err)
		return false
	}
	return true
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		extend()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteDeadline))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.opts.Logger.Warnw("socket dropped", "endpoint", c.endpoint, "err", err)
			}
			return
		}
		extend()
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.inbound:
			env, err := protocol.Decode(data)
			if err != nil {
				c.opts.Logger.Warnw("malformed frame dropped", "err", err)
				continue
			}
			// frames still buffered when Close cancels are discarded
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(env)
			}
		}
	}
}
