package models

import "time"

// Consultation status values.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Consultation is a scheduled or ongoing interaction between one patient and
// one doctor. Rows are created by the prediction subsystem and move through
// the lifecycle only via the ledger's transition table.
type Consultation struct {
	ID               string     `gorm:"primaryKey;size:36"`
	PatientID        string     `gorm:"size:64;not null;index:idx_doctor_patient,priority:2;uniqueIndex:idx_consultation_slot,priority:1"`
	DoctorID         string     `gorm:"size:64;not null;index:idx_doctor_patient,priority:1;uniqueIndex:idx_consultation_slot,priority:2"`
	Status           string     `gorm:"size:16;not null;default:requested;index:idx_status_created,priority:1"`
	RejectionReason  *string    `gorm:"type:text"`
	DiseaseName      string     `gorm:"size:200"`
	Specialization   string     `gorm:"size:64"`
	Note             string     `gorm:"type:text"`
	ConsultationDate time.Time  `gorm:"type:date;not null;index;uniqueIndex:idx_consultation_slot,priority:3"`
	CreatedAt        time.Time  `gorm:"index:idx_status_created,priority:2"`
	UpdatedAt        time.Time
	ArchivedAt       *time.Time `gorm:"index"`

	Participants []ConsultationParticipant `gorm:"foreignKey:ConsultationID"`
	Messages     []ChatMessage             `gorm:"foreignKey:ConsultationID"`
}

// ConsultationParticipant is one member of a consultation's participant set.
// The set only grows; rows are added on accept().
type ConsultationParticipant struct {
	ConsultationID string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"primaryKey;size:64;index"`
	JoinedAt       time.Time
}

// ParticipantIDs returns the user ids of the loaded participant rows.
func (c *Consultation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID is among the loaded participants.
func (c *Consultation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
