package models

import (
	"regexp"
	"time"
)

type SenderRole string

const (
	SenderUser  SenderRole = "user"
	SenderAdmin SenderRole = "admin"
	SenderBot   SenderRole = "bot"
)

func (r SenderRole) Valid() bool {
	switch r {
	case SenderUser, SenderAdmin, SenderBot:
		return true
	}
	return false
}

type ChatMessage struct {
	ID             string     `json:"id" bson:"_id"`
	ConversationID string     `json:"conversation_id" bson:"conversation_id"`
	SenderID       string     `json:"sender_id" bson:"sender_id"`
	SenderRole     SenderRole `json:"sender_role" bson:"sender_role"`
	Body           string     `json:"body" bson:"body"`
	Read           bool       `json:"read" bson:"read"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
}

// FileRef is an attachment reference embedded in a message body as
// [file:<id>:<name>].
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var fileRefPattern = regexp.MustCompile(`\[file:([A-Za-z0-9_-]+):([^\]]+)\]`)

func ParseFileRefs(body string) []FileRef {
	matches := fileRefPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]FileRef, 0, len(matches))
	for _, m := range matches {
		out = append(out, FileRef{ID: m[1], Name: m[2]})
	}
	return out
}

func FileRefToken(id, name string) string {
	return "[file:" + id + ":" + name + "]"
}

func (m *ChatMessage) Files() []FileRef { return ParseFileRefs(m.Body) }
