package models

import "time"

type NotificationType string

const (
	NotificationDeposit      NotificationType = "deposit"
	NotificationWithdrawal   NotificationType = "withdrawal"
	NotificationRegistration NotificationType = "registration"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationDeposit, NotificationWithdrawal, NotificationRegistration:
		return true
	}
	return false
}

// NotificationPayload carries amount and currency for money events, email for
// registrations.
type NotificationPayload struct {
	Amount   float64 `json:"amount,omitempty" bson:"amount,omitempty"`
	Currency string  `json:"currency,omitempty" bson:"currency,omitempty"`
	Email    string  `json:"email,omitempty" bson:"email,omitempty"`
}

type Notification struct {
	ID            string              `json:"id" bson:"_id"`
	Seq           int64               `json:"seq" bson:"seq"`
	Type          NotificationType    `json:"type" bson:"type"`
	SubjectUserID string              `json:"subject_user_id" bson:"subject_user_id"`
	SubjectName   string              `json:"subject_name,omitempty" bson:"subject_name,omitempty"`
	Payload       NotificationPayload `json:"payload" bson:"payload"`
	Read          bool                `json:"read" bson:"read"`
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
}
