package ledger

import (
	"errors"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// transitions is the only source of truth for allowed status moves.
// completed and cancelled are terminal.
var transitions = map[string][]string{
	models.StatusRequested: {models.StatusActive, models.StatusCancelled},
	models.StatusActive:    {models.StatusCompleted},
}

// CanTransition reports whether a consultation may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}

// LockConsultation reads a consultation and its participants, holding a row
// lock until the transaction ends. Concurrent transitions and chat writes on
// the same consultation serialise here.
func (tx *Tx) LockConsultation(id string) (*models.Consultation, error) {
	var c models.Consultation
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "consultation %s not found", id)
	}
	if err != nil {
		return nil, wrapDB("lock consultation "+id, err)
	}
	if err := tx.db.Where("consultation_id = ?", id).
		Order("joined_at ASC, user_id ASC").
		Find(&c.Participants).Error; err != nil {
		return nil, wrapDB("load participants "+id, err)
	}
	return &c, nil
}

// Transition moves c to status to, applying extra column updates in the
// same statement. The update is conditional on the status read under lock,
// so a concurrent writer that slipped past the lock still loses with
// ErrWrongState.
func (tx *Tx) Transition(c *models.Consultation, to string, extra map[string]interface{}) error {
	if !CanTransition(c.Status, to) {
		return apperr.New(apperr.ErrWrongState,
			"consultation %s is %s and cannot become %s", c.ID, c.Status, to)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.db.Model(&models.Consultation{}).
		Where("id = ? AND status = ?", c.ID, c.Status).
		Updates(updates)
	if result.Error != nil {
		return wrapDB("transition consultation "+c.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.ErrWrongState,
			"consultation %s changed state concurrently", c.ID)
	}

	c.Status = to
	c.UpdatedAt = now
	return nil
}

// AddParticipants adds users to the consultation's participant set.
// Existing members are left untouched.
func (tx *Tx) AddParticipants(c *models.Consultation, userIDs ...string) error {
	now := time.Now()
	for _, uid := range userIDs {
		if c.HasParticipant(uid) {
			continue
		}
		p := models.ConsultationParticipant{ConsultationID: c.ID, UserID: uid, JoinedAt: now}
		if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error; err != nil {
			return wrapDB("add participant "+uid+" to "+c.ID, err)
		}
		c.Participants = append(c.Participants, p)
	}
	return nil
}

// CountMessages returns the number of chat messages persisted for a
// consultation.
func (tx *Tx) CountMessages(consultationID string) (int64, error) {
	var n int64
	if err := tx.db.Model(&models.ChatMessage{}).
		Where("consultation_id = ?", consultationID).
		Count(&n).Error; err != nil {
		return 0, wrapDB("count messages "+consultationID, err)
	}
	return n, nil
}
