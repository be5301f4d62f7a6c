package ledger

import (
	"context"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/db"
	"github.com/zulandar/medconsult/internal/models"
)

// InsertRating stores a rating. A second rating of the same doctor by the
// same patient fails with ErrDuplicate.
func (tx *Tx) InsertRating(r *models.Rating) error {
	err := tx.db.Create(r).Error
	if db.IsDuplicateKey(err) {
		return apperr.Wrap(apperr.ErrDuplicate, err,
			"patient %s has already rated doctor %s", r.PatientID, r.DoctorID)
	}
	if err != nil {
		return wrapDB("insert rating", err)
	}
	return nil
}

// RatingSummary aggregates a doctor's ratings. Average is zero when Count
// is.
type RatingSummary struct {
	Count   int64
	Average float64
}

// DoctorRating returns the number and mean of a doctor's ratings.
func (l *Ledger) DoctorRating(ctx context.Context, doctorID string) (RatingSummary, error) {
	var s RatingSummary
	err := l.db.WithContext(ctx).Model(&models.Rating{}).
		Select("COUNT(*) AS count, COALESCE(AVG(score), 0) AS average").
		Where("doctor_id = ?", doctorID).
		Scan(&s).Error
	if err != nil {
		return RatingSummary{}, wrapDB("rating of doctor "+doctorID, err)
	}
	return s, nil
}

// HasCompletedConsultation reports whether patientID has at least one
// completed consultation with doctorID.
func (l *Ledger) HasCompletedConsultation(ctx context.Context, patientID, doctorID string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Consultation{}).
		Where("patient_id = ? AND doctor_id = ? AND status = ?", patientID, doctorID, models.StatusCompleted).
		Count(&n).Error
	if err != nil {
		return false, wrapDB("completed consultations", err)
	}
	return n > 0, nil
}

// InsertFeedback stores feedback. A second entry by the same sender about
// the same doctor fails with ErrDuplicate.
func (l *Ledger) InsertFeedback(ctx context.Context, f *models.Feedback) error {
	err := l.db.WithContext(ctx).Create(f).Error
	if db.IsDuplicateKey(err) {
		return apperr.Wrap(apperr.ErrDuplicate, err,
			"feedback for doctor %s already submitted", f.DoctorID)
	}
	if err != nil {
		return wrapDB("insert feedback", err)
	}
	l.log.Info("feedback stored", "feedback_id", f.ID, "sender_id", f.SenderID, "doctor_id", f.DoctorID)
	return nil
}

// FeedbackFilter narrows ListFeedback. Zero values mean "any".
type FeedbackFilter struct {
	SenderID      string
	Search        string // substring of the body
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// ListFeedback returns feedback newest first.
func (l *Ledger) ListFeedback(ctx context.Context, f FeedbackFilter) ([]models.Feedback, error) {
	q := l.db.WithContext(ctx).Model(&models.Feedback{})
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
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Feedback
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, wrapDB("list feedback", err)
	}
	return out, nil
}
