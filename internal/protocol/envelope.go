package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/models"
)

// Frame types.
const (
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeSubscribed          = "subscribed"
	TypeUnsubscribed        = "unsubscribed"
	TypeMessage             = "message"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypeRead                = "read"
	TypeTyping              = "typing"
	TypeUnread              = "unread"
	TypeNotification        = "notification"
	TypeConversationCreated = "conversation_created"
	TypeConversationUpdated = "conversation_updated"
	TypeConversationDeleted = "conversation_deleted"
	TypeMessageDeleted      = "message_deleted"
)

// StaffChannel is the global alert channel every staff connection joins.
const StaffChannel = "staff"

const conversationPrefix = "conversation:"

func ConversationChannel(id string) string { return conversationPrefix + id }

// ConversationFromChannel returns the conversation id of a conversation
// channel, or false for any other channel.
func ConversationFromChannel(ch string) (string, bool) {
	if !strings.HasPrefix(ch, conversationPrefix) || len(ch) == len(conversationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ch, conversationPrefix), true
}

// Envelope is the JSON frame exchanged on every socket.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	MsgID   string          `json:"msg_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", apperr.ErrMalformedFrame)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", apperr.ErrMalformedFrame)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}
	return nil
}

func Encode(typ, channel, msgID string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, Channel: channel, MsgID: msgID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// MustEncode is Encode for payloads that are known to marshal.
func MustEncode(typ, channel, msgID string, payload any) []byte {
	b, err := Encode(typ, channel, msgID, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// SendPayload is the inbound body of a message frame. An empty
// ConversationID asks the router to open a new conversation.
type SendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body"`
	Category       string `json:"category,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type MessagePayload struct {
	ConversationID string              `json:"conversation_id"`
	ClientID       string              `json:"client_id,omitempty"`
	Message        *models.ChatMessage `json:"message"`
	Files          []models.FileRef    `json:"files,omitempty"`
}

type AckPayload struct {
	ConversationID string              `json:"conversation_id"`
	Message        *models.ChatMessage `json:"message"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ViewerRole     string `json:"viewer_role"`
	Marked         int    `json:"marked"`
}

type UnreadPayload struct {
	ConversationID string `json:"conversation_id"`
	ViewerRole     string `json:"viewer_role"`
	Count          int    `json:"count"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

type ConversationPayload struct {
	Conversation *models.Conversation `json:"conversation"`
	Message      *models.ChatMessage  `json:"message,omitempty"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type SubscriptionPayload struct {
	Channel string `json:"channel"`
}
