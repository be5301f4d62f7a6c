package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertMessage appends a chat message. ID and CreatedAt are filled in.
func (tx *Tx) InsertMessage(m *models.ChatMessage) error {
	if m.Status == "" {
		m.Status = models.MessageSent
	}
	if err := tx.db.Create(m).Error; err != nil {
		return wrapDB("insert message", err)
	}
	return nil
}

// LockMessage reads a chat message with a row lock held until the
// transaction ends.
func (tx *Tx) LockMessage(id uint) (*models.ChatMessage, error) {
	var m models.ChatMessage
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "message %d not found", id)
	}
	if err != nil {
		return nil, wrapDB(fmt.Sprintf("lock message %d", id), err)
	}
	return &m, nil
}

// AdvanceMessageStatus moves m forward to status. Moves that are not
// strictly forward are ignored and report false.
func (tx *Tx) AdvanceMessageStatus(m *models.ChatMessage, status string) (bool, error) {
	if !models.ValidMessageStatus(status) {
		return false, apperr.New(apperr.ErrInvalidInput, "unknown message status %q", status)
	}
	if !models.MessageStatusAfter(status, m.Status) {
		return false, nil
	}
	result := tx.db.Model(&models.ChatMessage{}).
		Where("id = ? AND status = ?", m.ID, m.Status).
		Update("status", status)
	if result.Error != nil {
		return false, wrapDB(fmt.Sprintf("advance message %d", m.ID), result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	m.Status = status
	return true, nil
}

// MessageFilter narrows a history query. Zero values mean "any".
type MessageFilter struct {
	Status   string
	SenderID string
	Search   string // substring of the body
	// CreatedAfter and CreatedBefore bound created_at, both inclusive.
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Offset        int
	Limit         int
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// ListMessages returns a page of a consultation's messages, newest first,
// with the total number of messages matching the filter.
func (l *Ledger) ListMessages(ctx context.Context, consultationID string, f MessageFilter) ([]models.ChatMessage, int64, error) {
	q := l.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("consultation_id = ?", consultationID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", f.SenderID)
	}
	if f.Search != "" {
		q = q.Where("body LIKE ? ESCAPE '!'", "%"+likeEscaper.Replace(f.Search)+"%")
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at <= ?", f.CreatedBefore)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, wrapDB("count history "+consultationID, err)
	}

	var msgs []models.ChatMessage
	q = q.Order("created_at DESC, id DESC").Offset(f.Offset)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, 0, wrapDB("list history "+consultationID, err)
	}
	return msgs, total, nil
}

// GetMessage returns a single chat message by id.
func (l *Ledger) GetMessage(ctx context.Context, id uint) (*models.ChatMessage, error) {
	var m models.ChatMessage
	err := l.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "message %d not found", id)
	}
	if err != nil {
		return nil, wrapDB(fmt.Sprintf("get message %d", id), err)
	}
	return &m, nil
}
