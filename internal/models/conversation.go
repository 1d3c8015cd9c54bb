package models

import "time"

type ConversationStatus string

const (
	StatusActive  ConversationStatus = "active"
	StatusWaiting ConversationStatus = "waiting"
	StatusClosed  ConversationStatus = "closed"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusWaiting, StatusClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Conversation struct {
	ID            string             `json:"id" bson:"_id"`
	UserID        string             `json:"user_id" bson:"user_id"`
	Status        ConversationStatus `json:"status" bson:"status"`
	Priority      Priority           `json:"priority" bson:"priority"`
	Category      string             `json:"category" bson:"category"`
	AssignedTo    string             `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
	MessageCount  int                `json:"message_count" bson:"message_count"`
	LastMessageAt time.Time          `json:"last_message_at" bson:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at" bson:"created_at"`
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	Status ConversationStatus
	Search string
	UserID string
}
