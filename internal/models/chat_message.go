package models

import "time"

// Chat message delivery states. They only move forward.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

var messageRank = map[string]int{
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// ChatMessage is one persisted chat line in a consultation. Append-only;
// only Status may change, and only forward.
type ChatMessage struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConsultationID string    `gorm:"size:36;not null;index:idx_consultation_created,priority:1"`
	SenderID       string    `gorm:"size:64;not null;index"`
	Body           string    `gorm:"type:text;not null"`
	Status         string    `gorm:"size:16;not null;default:sent;index"`
	CreatedAt      time.Time `gorm:"index:idx_consultation_created,priority:2"`
}

// ValidMessageStatus reports whether s is a known message status.
func ValidMessageStatus(s string) bool {
	_, ok := messageRank[s]
	return ok
}

// MessageStatusAfter reports whether next is strictly later than current.
func MessageStatusAfter(next, current string) bool {
	return messageRank[next] > messageRank[current]
}
