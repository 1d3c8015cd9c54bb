package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathima-sithara/ops-relay/internal/metric"
)

type fakeSub struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	accept bool
	onRecv func()
}

func newFake(id string) *fakeSub { return &fakeSub{id: id, accept: true} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Deliver(b []byte) bool {
	if f.onRecv != nil {
		f.onRecv()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.frames = append(f.frames, b)
	return true
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func ids(subs []Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID())
	}
	sort.Strings(out)
	return out
}

func TestSubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	a := newFake("a")

	assert.True(t, r.Subscribe(a, "conversation:1"))
	assert.False(t, r.Subscribe(a, "conversation:1"))
	assert.Equal(t, 1, r.Count("conversation:1"))
	assert.Equal(t, []string{"conversation:1"}, r.ChannelsOf(a))
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	r := NewRegistry()
	a, b := newFake("a"), newFake("b")
	r.Subscribe(a, "staff")

	before := ids(r.SubscribersOf("staff"))
	r.Subscribe(b, "staff")
	r.Unsubscribe(b, "staff")
	assert.Equal(t, before, ids(r.SubscribersOf("staff")))
	assert.Empty(t, r.ChannelsOf(b))

	assert.False(t, r.Unsubscribe(b, "staff"))
}

func TestUnsubscribeAllLeavesNoReference(t *testing.T) {
	r := NewRegistry()
	a, b := newFake("a"), newFake("b")
	for i := 0; i < 5; i++ {
		r.Subscribe(a, fmt.Sprintf("conversation:%d", i))
	}
	r.Subscribe(a, "staff")
	r.Subscribe(b, "staff")

	removed := r.UnsubscribeAll(a)
	assert.Len(t, removed, 6)
	for i := 0; i < 5; i++ {
		assert.Empty(t, r.SubscribersOf(fmt.Sprintf("conversation:%d", i)))
	}
	assert.Equal(t, []string{"b"}, ids(r.SubscribersOf("staff")))
	assert.False(t, r.IsSubscribed(a, "staff"))

	r.mu.RLock()
	_, held := r.byConn[a]
	r.mu.RUnlock()
	assert.False(t, held)
}

func TestSnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	a := newFake("a")
	r.Subscribe(a, "staff")
	snap := r.SubscribersOf("staff")
	r.Unsubscribe(a, "staff")
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID())
}

func TestBroadcastSurvivesDisconnectMidFanout(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t).Sugar(), metric.New())
	subs := make([]*fakeSub, 10)
	for i := range subs {
		subs[i] = newFake(fmt.Sprintf("s%d", i))
		h.Subscribe(subs[i], "conversation:c")
	}
	// the first subscriber to receive the frame tears down two others
	var once sync.Once
	for _, s := range subs {
		s.onRecv = func() {
			once.Do(func() {
				h.UnsubscribeAll(subs[3])
				h.UnsubscribeAll(subs[7])
			})
		}
	}

	n := h.Broadcast(context.Background(), "conversation:c", []byte("x"))
	assert.Equal(t, 10, n)
	for _, s := range subs {
		assert.Equal(t, 1, s.count(), s.id)
	}
	assert.Equal(t, 8, h.Count("conversation:c"))
}

func TestBroadcastCountsRejected(t *testing.T) {
	h := NewHub(nil, nil)
	ok, full := newFake("ok"), newFake("full")
	full.accept = false
	h.Subscribe(ok, "staff")
	h.Subscribe(full, "staff")

	var forwarded atomic.Int32
	h.PublishToOtherInstances = func(ctx context.Context, channel string, frame []byte) error {
		forwarded.Add(1)
		return nil
	}
	assert.Equal(t, 1, h.Broadcast(context.Background(), "staff", []byte("x")))
	assert.Equal(t, int32(1), forwarded.Load())

	assert.Equal(t, 1, h.DeliverLocal("staff", []byte("y")))
	assert.Equal(t, int32(1), forwarded.Load())
}

func TestConcurrentSubscribeAndFanout(t *testing.T) {
	h := NewHub(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		s := newFake(fmt.Sprintf("s%d", i))
		go func() {
			defer wg.Done()
			h.Subscribe(s, "staff")
			h.UnsubscribeAll(s)
		}()
		go func() {
			defer wg.Done()
			h.Broadcast(context.Background(), "staff", []byte("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Count("staff"))
}
