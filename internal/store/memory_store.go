package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/models"
)

// MemoryStore keeps everything in process. Returned values are copies.
type MemoryStore struct {
	mu    sync.RWMutex
	clock *Clock

	convs    map[string]*models.Conversation
	msgs     map[string]*models.ChatMessage
	byConv   map[string][]string // conversation id -> message ids in append order
	notifs   []*models.Notification
	notifIdx map[string]int
	seq      int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock *Clock) *MemoryStore {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &MemoryStore{
		clock:    clock,
		convs:    make(map[string]*models.Conversation),
		msgs:     make(map[string]*models.ChatMessage),
		byConv:   make(map[string][]string),
		notifIdx: make(map[string]int),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID, category string) (*models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", apperr.ErrInvalidArgument)
	}
	now := s.clock.Now()
	c := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Status:        models.StatusWaiting,
		Priority:      models.PriorityNormal,
		Category:      category,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	s.mu.Lock()
	s.convs[c.ID] = c
	s.mu.Unlock()
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID, senderID string, role models.SenderRole, body string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	m := &models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Body:           body,
		CreatedAt:      s.clock.Now(),
	}
	s.msgs[m.ID] = m
	s.byConv[conversationID] = append(s.byConv[conversationID], m.ID)
	c.LastMessageAt = m.CreatedAt
	c.MessageCount++
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, f models.ConversationFilter) ([]*models.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(f.Search))
	s.mu.RLock()
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if q != "" && !matchesSearch(c, q) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func matchesSearch(c *models.Conversation, q string) bool {
	return strings.Contains(strings.ToLower(c.ID), q) ||
		strings.Contains(strings.ToLower(c.UserID), q) ||
		strings.Contains(strings.ToLower(c.Category), q)
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, apperr.ErrConversationNotFound
	}
	ids := s.byConv[conversationID]
	out := make([]*models.ChatMessage, 0, len(ids))
	for _, id := range ids {
		cp := *s.msgs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) mutateConversation(id string, fn func(c *models.Conversation)) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	fn(c)
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.ConversationStatus) (*models.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", apperr.ErrInvalidArgument, status)
	}
	return s.mutateConversation(id, func(c *models.Conversation) { c.Status = status })
}

func (s *MemoryStore) UpdatePriority(_ context.Context, id string, p models.Priority) (*models.Conversation, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %q", apperr.ErrInvalidArgument, p)
	}
	return s.mutateConversation(id, func(c *models.Conversation) { c.Priority = p })
}

func (s *MemoryStore) AssignOperator(_ context.Context, id, operatorID string) (*models.Conversation, error) {
	return s.mutateConversation(id, func(c *models.Conversation) { c.AssignedTo = operatorID })
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	delete(s.msgs, messageID)
	ids := s.byConv[m.ConversationID]
	for i, id := range ids {
		if id == messageID {
			s.byConv[m.ConversationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return m, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	for _, mid := range s.byConv[id] {
		delete(s.msgs, mid)
	}
	delete(s.byConv, id)
	delete(s.convs, id)
	return c, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return 0, apperr.ErrConversationNotFound
	}
	n := 0
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderRole != viewer && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return 0, apperr.ErrConversationNotFound
	}
	return s.unreadLocked(conversationID, viewer), nil
}

func (s *MemoryStore) unreadLocked(conversationID string, viewer models.SenderRole) int {
	n := 0
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderRole != viewer && !m.Read {
			n++
		}
	}
	return n
}

func (s *MemoryStore) UnreadCounts(_ context.Context, viewer models.SenderRole, ownerID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for id, c := range s.convs {
		if ownerID != "" && c.UserID != ownerID {
			continue
		}
		if n := s.unreadLocked(id, viewer); n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	n.ID = uuid.NewString()
	n.Seq = s.seq
	n.CreatedAt = s.clock.Now()
	n.Read = false
	cp := *n
	s.notifIdx[cp.ID] = len(s.notifs)
	s.notifs = append(s.notifs, &cp)
	return nil
}

// ListNotifications returns notifications after sinceID in sequence order.
// Without a known sinceID it returns the latest limit entries.
func (s *MemoryStore) ListNotifications(_ context.Context, sinceID string, limit int) ([]*models.Notification, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var window []*models.Notification
	if i, ok := s.notifIdx[sinceID]; ok && sinceID != "" {
		window = s.notifs[i+1:]
		if len(window) > limit {
			window = window[:limit]
		}
	} else {
		start := len(s.notifs) - limit
		if start < 0 {
			start = 0
		}
		window = s.notifs[start:]
	}
	out := make([]*models.Notification, 0, len(window))
	for _, n := range window {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id string) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.notifIdx[id]
	if !ok {
		return nil, apperr.ErrNotificationNotFound
	}
	s.notifs[i].Read = true
	cp := *s.notifs[i]
	return &cp, nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, no := range s.notifs {
		if !no.Read {
			no.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUnreadNotifications(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, no := range s.notifs {
		if !no.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
