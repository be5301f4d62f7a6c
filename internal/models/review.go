package models

import "time"

// Rating bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// Rating is a patient's score for a doctor, left after a completed
// consultation that had chat history. A patient rates a doctor once.
type Rating struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConsultationID string    `gorm:"size:36;not null;index"`
	PatientID      string    `gorm:"size:64;not null;uniqueIndex:idx_rating_pair,priority:1"`
	DoctorID       string    `gorm:"size:64;not null;uniqueIndex:idx_rating_pair,priority:2;index"`
	Score          int       `gorm:"not null"`
	Review         string    `gorm:"type:text"`
	CreatedAt      time.Time
}

// Feedback is free-text written by a patient about a doctor they have
// completed a consultation with. One per (sender, doctor).
type Feedback struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SenderID  string    `gorm:"size:64;not null;uniqueIndex:idx_feedback_pair,priority:1"`
	DoctorID  string    `gorm:"size:64;not null;uniqueIndex:idx_feedback_pair,priority:2"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName keeps the uncountable noun singular.
func (Feedback) TableName() string { return "feedback" }
