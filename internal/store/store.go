package store

import (
	"context"

	"github.com/fathima-sithara/ops-relay/internal/models"
)

// ConversationStore is the authoritative state for support conversations.
// Unknown ids yield apperr.ErrConversationNotFound / ErrMessageNotFound; any
// other error is a storage failure.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, category string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID string, role models.SenderRole, body string) (*models.ChatMessage, error)
	ListConversations(ctx context.Context, f models.ConversationFilter) ([]*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.ChatMessage, error)
	UpdateStatus(ctx context.Context, id string, status models.ConversationStatus) (*models.Conversation, error)
	UpdatePriority(ctx context.Context, id string, p models.Priority) (*models.Conversation, error)
	AssignOperator(ctx context.Context, id, operatorID string) (*models.Conversation, error)
	DeleteMessage(ctx context.Context, messageID string) (*models.ChatMessage, error)
	DeleteConversation(ctx context.Context, id string) (*models.Conversation, error)

	// MarkRead flags every unread message of the conversation not authored by
	// viewer as read and returns how many changed.
	MarkRead(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error)
	UnreadCount(ctx context.Context, conversationID string, viewer models.SenderRole) (int, error)
	// UnreadCounts returns per-conversation unread counts for viewer,
	// restricted to conversations owned by ownerID when it is non-empty.
	UnreadCounts(ctx context.Context, viewer models.SenderRole, ownerID string) (map[string]int, error)
}

// NotificationStore is the append-only staff alert log.
type NotificationStore interface {
	// CreateNotification assigns ID, Seq and CreatedAt.
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, sinceID string, limit int) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context) (int, error)
	CountUnreadNotifications(ctx context.Context) (int, error)
}

type Store interface {
	ConversationStore
	NotificationStore
	Close(ctx context.Context) error
}

const (
	DefaultNotificationLimit = 50
	MaxNotificationLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultNotificationLimit
	}
	if limit > MaxNotificationLimit {
		return MaxNotificationLimit
	}
	return limit
}
