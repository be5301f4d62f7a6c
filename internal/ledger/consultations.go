package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/db"
	"github.com/zulandar/medconsult/internal/models"
	"gorm.io/gorm"
)

// CreateConsultation inserts a requested consultation. A consultation for
// the same patient, doctor and date already existing fails with
// ErrDuplicate.
func (l *Ledger) CreateConsultation(ctx context.Context, c *models.Consultation) error {
	if c.PatientID == "" || c.DoctorID == "" {
		return apperr.New(apperr.ErrInvalidInput, "patient and doctor are required")
	}
	if c.PatientID == c.DoctorID {
		return apperr.New(apperr.ErrInvalidInput, "patient and doctor must differ")
	}
	if c.ConsultationDate.IsZero() {
		return apperr.New(apperr.ErrInvalidInput, "consultation date is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = models.StatusRequested
	c.RejectionReason = nil
	c.ArchivedAt = nil
	c.Participants = nil
	c.ConsultationDate = truncateDay(c.ConsultationDate)

	err := l.db.WithContext(ctx).Omit("Participants", "Messages").Create(c).Error
	if db.IsDuplicateKey(err) {
		return apperr.Wrap(apperr.ErrDuplicate, err,
			"a consultation for patient %s with doctor %s on %s already exists",
			c.PatientID, c.DoctorID, c.ConsultationDate.Format(time.DateOnly))
	}
	if err != nil {
		return wrapDB("create consultation", err)
	}
	l.log.Info("consultation created", "consultation_id", c.ID,
		"patient_id", c.PatientID, "doctor_id", c.DoctorID)
	return nil
}

// GetConsultation returns a consultation with its participants loaded.
func (l *Ledger) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	var c models.Consultation
	err := l.db.WithContext(ctx).
		Preload("Participants", func(q *gorm.DB) *gorm.DB {
			return q.Order("joined_at ASC, user_id ASC")
		}).
		Where("id = ?", id).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "consultation %s not found", id)
	}
	if err != nil {
		return nil, wrapDB("get consultation "+id, err)
	}
	return &c, nil
}

// ConsultationFilter narrows ListConsultations. Zero values mean "any".
type ConsultationFilter struct {
	Status string
	UserID string // matches patient or doctor
	Limit  int
}

// ListConsultations returns consultations newest first.
func (l *Ledger) ListConsultations(ctx context.Context, f ConsultationFilter) ([]models.Consultation, error) {
	q := l.db.WithContext(ctx).Model(&models.Consultation{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserID != "" {
		q = q.Where("patient_id = ? OR doctor_id = ?", f.UserID, f.UserID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Consultation
	if err := q.Order("created_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, wrapDB("list consultations", err)
	}
	return out, nil
}

// ExpiredRequests returns the ids of requested consultations whose date is
// strictly before day.
func (l *Ledger) ExpiredRequests(ctx context.Context, day time.Time) ([]string, error) {
	var ids []string
	if err := l.db.WithContext(ctx).Model(&models.Consultation{}).
		Where("status = ? AND consultation_date < ?", models.StatusRequested, truncateDay(day)).
		Order("consultation_date ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, wrapDB("find expired requests", err)
	}
	return ids, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
