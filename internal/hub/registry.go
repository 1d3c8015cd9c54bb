package hub

import "sync"

// Subscriber is a live connection that can receive fan-out frames. Deliver
// must not block; it returns false when the frame was not accepted.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

// Registry maps channels to subscribers and subscribers back to channels so
// that both fan-out lookup and disconnect cleanup stay cheap.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]map[Subscriber]struct{}
	byConn    map[Subscriber]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byChannel: make(map[string]map[Subscriber]struct{}),
		byConn:    make(map[Subscriber]map[string]struct{}),
	}
}

// Subscribe adds the pair and reports whether it was new.
func (r *Registry) Subscribe(s Subscriber, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byChannel[channel]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.byChannel[channel] = set
	}
	if _, exists := set[s]; exists {
		return false
	}
	set[s] = struct{}{}

	chans, ok := r.byConn[s]
	if !ok {
		chans = make(map[string]struct{})
		r.byConn[s] = chans
	}
	chans[channel] = struct{}{}
	return true
}

// Unsubscribe removes the pair and reports whether it existed.
func (r *Registry) Unsubscribe(s Subscriber, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(s, channel)
}

func (r *Registry) removeLocked(s Subscriber, channel string) bool {
	set, ok := r.byChannel[channel]
	if !ok {
		return false
	}
	if _, exists := set[s]; !exists {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byChannel, channel)
	}
	if chans, ok := r.byConn[s]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.byConn, s)
		}
	}
	return true
}

// UnsubscribeAll drops every subscription held by s and returns the channels
// it was removed from.
func (r *Registry) UnsubscribeAll(s Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.byConn[s]
	out := make([]string, 0, len(chans))
	for ch := range chans {
		out = append(out, ch)
	}
	for _, ch := range out {
		r.removeLocked(s, ch)
	}
	delete(r.byConn, s)
	return out
}

// SubscribersOf returns a snapshot; callers may iterate it while the
// registry keeps changing.
func (r *Registry) SubscribersOf(channel string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byChannel[channel]
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) ChannelsOf(s Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chans := r.byConn[s]
	out := make([]string, 0, len(chans))
	for ch := range chans {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) IsSubscribed(s Subscriber, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byChannel[channel][s]
	return ok
}

func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}
