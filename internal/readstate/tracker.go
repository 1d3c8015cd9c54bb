package readstate

import (
	"context"

	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/store"
)

// Viewer identifies who is asking. Staff (admin) viewers see every
// conversation; users only their own.
type Viewer struct {
	Role   models.SenderRole
	UserID string
}

func (v Viewer) ownerScope() string {
	if v.Role == models.SenderAdmin {
		return ""
	}
	return v.UserID
}

// Tracker derives unread counts from the per-message read flag. The flag is
// shared by everyone on the non-authoring side of a conversation.
type Tracker struct {
	store store.ConversationStore
}

func New(s store.ConversationStore) *Tracker {
	return &Tracker{store: s}
}

func (t *Tracker) UnreadCountFor(ctx context.Context, viewer models.SenderRole, conversationID string) (int, error) {
	return t.store.UnreadCount(ctx, conversationID, viewer)
}

func (t *Tracker) UnreadByConversation(ctx context.Context, v Viewer) (map[string]int, error) {
	return t.store.UnreadCounts(ctx, v.Role, v.ownerScope())
}

func (t *Tracker) GlobalUnreadCount(ctx context.Context, v Viewer) (int, error) {
	counts, err := t.UnreadByConversation(ctx, v)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// MarkRead is idempotent; a second call marks nothing.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error) {
	return t.store.MarkRead(ctx, conversationID, viewer)
}
