package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/hub"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/protocol"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

type recorder struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(b []byte) bool {
	env, err := protocol.Decode(b)
	if err != nil {
		return false
	}
	r.mu.Lock()
	r.frames = append(r.frames, env)
	r.mu.Unlock()
	return true
}

func (r *recorder) ofType(typ string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, f := range r.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type auditRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *auditRecorder) Emit(_ context.Context, event, _ string, _ any) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) AppendMessage(context.Context, string, string, models.SenderRole, string) (*models.ChatMessage, error) {
	return nil, errors.New("disk full")
}

type fixture struct {
	store  *store.MemoryStore
	hub    *hub.Hub
	router *Router
	audit  *auditRecorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemoryStore(nil)
	h := hub.NewHub(zaptest.NewLogger(t).Sugar(), metric.New())
	audit := &auditRecorder{}
	r := New(st, readstate.New(st), h, audit, zaptest.NewLogger(t).Sugar(), metric.New(), opts)
	return &fixture{store: st, hub: h, router: r, audit: audit}
}

func decodeMessage(t *testing.T, env protocol.Envelope) protocol.MessagePayload {
	t.Helper()
	var p protocol.MessagePayload
	require.NoError(t, env.DecodePayload(&p))
	return p
}

func TestFirstUserMessageOpensConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	staff := &recorder{id: "staff"}
	f.hub.Subscribe(staff, protocol.StaffChannel)

	older, _ := f.store.CreateConversation(ctx, "someone-else", "")
	_, _ = f.store.AppendMessage(ctx, older.ID, "someone-else", models.SenderUser, "earlier")

	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", Body: "hello", ClientID: "tmp-1"})
	require.NoError(t, err)
	assert.True(t, d.Created)
	assert.Equal(t, models.StatusWaiting, d.Conversation.Status)
	assert.Equal(t, "hello", d.Message.Body)

	created := staff.ofType(protocol.TypeConversationCreated)
	require.Len(t, created, 1)
	var cp protocol.ConversationPayload
	require.NoError(t, created[0].DecodePayload(&cp))
	assert.Equal(t, d.Conversation.ID, cp.Conversation.ID)

	unread := staff.ofType(protocol.TypeUnread)
	require.Len(t, unread, 1)
	var up protocol.UnreadPayload
	require.NoError(t, unread[0].DecodePayload(&up))
	assert.Equal(t, 1, up.Count)

	list, err := f.store.ListConversations(ctx, models.ConversationFilter{})
	require.NoError(t, err)
	assert.Equal(t, d.Conversation.ID, list[0].ID)

	// a second message is not announced again
	_, err = f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: d.Conversation.ID, Body: "again"})
	require.NoError(t, err)
	assert.Len(t, staff.ofType(protocol.TypeConversationCreated), 1)

	assert.Equal(t, []string{EventConversationCreated, EventMessageSent, EventMessageSent}, f.audit.events)
}

func TestExistingEmptyConversationAnnouncedOnFirstMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	staff := &recorder{id: "staff"}
	f.hub.Subscribe(staff, protocol.StaffChannel)
	c, _ := f.store.CreateConversation(ctx, "u1", "kyc")

	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "hi"})
	require.NoError(t, err)
	assert.False(t, d.Created)
	assert.Len(t, staff.ofType(protocol.TypeConversationCreated), 1)
}

func TestFanoutExactlyOncePerSubscriberAtCallTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	ch := protocol.ConversationChannel(c.ID)

	subs := []*recorder{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, s := range subs {
		f.hub.Subscribe(s, ch)
	}
	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Recipients)

	late := &recorder{id: "late"}
	f.hub.Subscribe(late, ch)

	for _, s := range subs {
		frames := s.ofType(protocol.TypeMessage)
		require.Len(t, frames, 1, s.id)
		assert.Equal(t, d.Message.ID, decodeMessage(t, frames[0]).Message.ID)
	}
	assert.Empty(t, late.ofType(protocol.TypeMessage))
}

func TestPersistFailureSkipsBroadcast(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(nil)
	h := hub.NewHub(nil, nil)
	r := New(failingStore{mem}, readstate.New(mem), h, nil, nil, nil, Options{})

	c, _ := mem.CreateConversation(ctx, "u1", "")
	sub := &recorder{id: "s"}
	h.Subscribe(sub, protocol.ConversationChannel(c.ID))
	staff := &recorder{id: "staff"}
	h.Subscribe(staff, protocol.StaffChannel)

	_, err := r.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrPersistFailed))
	_, err = r.RouteAdminMessage(ctx, Inbound{SenderID: "op", ConversationID: c.ID, Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrPersistFailed))

	sub.mu.Lock()
	assert.Empty(t, sub.frames)
	sub.mu.Unlock()
	staff.mu.Lock()
	assert.Empty(t, staff.frames)
	staff.mu.Unlock()
}

func TestUnknownConversationAndOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: "missing", Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrConversationNotFound))
	_, err = f.router.RouteAdminMessage(ctx, Inbound{SenderID: "op", ConversationID: "missing", Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrConversationNotFound))

	c, _ := f.store.CreateConversation(ctx, "owner", "")
	_, err = f.router.RouteUserMessage(ctx, Inbound{SenderID: "intruder", ConversationID: c.ID, Body: "x"})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	_, err = f.router.RouteUserMessage(ctx, Inbound{SenderID: "owner", ConversationID: c.ID, Body: "   "})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestAdminEchoCarriesClientID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	user := &recorder{id: "user"}
	staff := &recorder{id: "staff"}
	f.hub.Subscribe(user, protocol.ConversationChannel(c.ID))
	f.hub.Subscribe(staff, protocol.StaffChannel)

	_, err := f.router.RouteAdminMessage(ctx, Inbound{SenderID: "op", ConversationID: c.ID, Body: "on it", ClientID: "tmp-9"})
	require.NoError(t, err)

	frames := user.ofType(protocol.TypeMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, "tmp-9", frames[0].MsgID)
	p := decodeMessage(t, frames[0])
	assert.Equal(t, "tmp-9", p.ClientID)
	assert.Equal(t, models.SenderAdmin, p.Message.SenderRole)
	assert.Empty(t, staff.ofType(protocol.TypeMessage))
}

func TestPerConversationOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Stripes: 4})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	subs := []*recorder{{id: "a"}, {id: "b"}}
	for _, s := range subs {
		f.hub.Subscribe(s, protocol.ConversationChannel(c.ID))
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				in := Inbound{SenderID: fmt.Sprintf("op%d", g), ConversationID: c.ID, Body: fmt.Sprintf("%d-%d", g, i)}
				_, err := f.router.RouteAdminMessage(ctx, in)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	stored, _ := f.store.ListMessages(ctx, c.ID)
	require.Len(t, stored, 100)
	for _, s := range subs {
		frames := s.ofType(protocol.TypeMessage)
		require.Len(t, frames, 100)
		for i, fr := range frames {
			assert.Equal(t, stored[i].ID, decodeMessage(t, fr).Message.ID)
		}
	}
}

func TestGreetingFollowsFirstMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Greeting: "An operator will be with you shortly."})

	sender := &recorder{id: "sender"}
	open := func(id string) { f.hub.Subscribe(sender, protocol.ConversationChannel(id)) }
	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", Body: "help", OnOpen: open})
	require.NoError(t, err)
	require.NotNil(t, d.Greeting)
	// the sender subscribed before fan-out and saw both its echo and the greeting
	assert.Len(t, sender.ofType(protocol.TypeMessage), 2)
	assert.Equal(t, models.SenderBot, d.Greeting.SenderRole)

	msgs, _ := f.store.ListMessages(ctx, d.Conversation.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "help", msgs[0].Body)
	assert.Equal(t, models.SenderBot, msgs[1].SenderRole)

	d2, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: d.Conversation.ID, Body: "still there?"})
	require.NoError(t, err)
	assert.Nil(t, d2.Greeting)
}

func TestMarkReadReceiptIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	sub := &recorder{id: "s"}
	f.hub.Subscribe(sub, protocol.ConversationChannel(c.ID))
	for i := 0; i < 3; i++ {
		_, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "x"})
		require.NoError(t, err)
	}

	n, err := f.router.MarkRead(ctx, c.ID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = f.router.MarkRead(ctx, c.ID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	receipts := sub.ofType(protocol.TypeRead)
	require.Len(t, receipts, 2)
	var rp protocol.ReadPayload
	require.NoError(t, receipts[0].DecodePayload(&rp))
	assert.Equal(t, 3, rp.Marked)
	assert.Equal(t, "admin", rp.ViewerRole)

	_, err = f.router.MarkRead(ctx, "missing", models.SenderAdmin)
	assert.True(t, errors.Is(err, apperr.ErrConversationNotFound))
}

func TestOperatorActionsFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	sub := &recorder{id: "s"}
	staff := &recorder{id: "staff"}
	f.hub.Subscribe(sub, protocol.ConversationChannel(c.ID))
	f.hub.Subscribe(staff, protocol.StaffChannel)

	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "x"})
	require.NoError(t, err)

	conv, err := f.router.UpdateStatus(ctx, c.ID, models.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, conv.Status)
	_, err = f.router.UpdatePriority(ctx, c.ID, models.PriorityUrgent)
	require.NoError(t, err)
	_, err = f.router.Assign(ctx, c.ID, "op-1")
	require.NoError(t, err)
	assert.Len(t, sub.ofType(protocol.TypeConversationUpdated), 3)
	assert.Len(t, staff.ofType(protocol.TypeConversationUpdated), 3)

	_, err = f.router.UpdateStatus(ctx, c.ID, "bogus")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = f.router.DeleteMessage(ctx, d.Message.ID)
	require.NoError(t, err)
	deleted := sub.ofType(protocol.TypeMessageDeleted)
	require.Len(t, deleted, 1)
	var mp protocol.MessageDeletedPayload
	require.NoError(t, deleted[0].DecodePayload(&mp))
	assert.Equal(t, d.Message.ID, mp.MessageID)

	require.NoError(t, f.router.DeleteConversation(ctx, c.ID))
	assert.Len(t, staff.ofType(protocol.TypeConversationDeleted), 1)
	assert.True(t, errors.Is(f.router.DeleteConversation(ctx, c.ID), apperr.ErrConversationNotFound))
}

func TestTypingRelayed(t *testing.T) {
	f := newFixture(t, Options{})
	sub := &recorder{id: "s"}
	f.hub.Subscribe(sub, protocol.ConversationChannel("c1"))
	assert.Equal(t, 1, f.router.Typing(context.Background(), "c1", "u1", models.SenderUser))
	assert.Len(t, sub.ofType(protocol.TypeTyping), 1)
}

func TestDeleteWaitsForInFlightAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	c, _ := f.store.CreateConversation(ctx, "u1", "")
	d, err := f.router.RouteUserMessage(ctx, Inbound{SenderID: "u1", ConversationID: c.ID, Body: "oops"})
	require.NoError(t, err)

	rec := &recorder{id: "viewer"}
	f.hub.Subscribe(rec, protocol.ConversationChannel(c.ID))

	// stand in for an append that is still fanning out
	unlock := f.router.lock(c.ID)
	done := make(chan error, 1)
	go func() {
		_, err := f.router.DeleteMessage(ctx, d.Message.ID)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ofType(protocol.TypeMessageDeleted))

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not complete")
	}
	assert.Len(t, rec.ofType(protocol.TypeMessageDeleted), 1)
}
