package consult

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
)

const (
	// MinFeedbackLength is the shortest feedback body, in characters.
	MinFeedbackLength = 10
	// RecentFeedbackLimit caps RecentFeedback.
	RecentFeedbackLimit = 5
)

// Rate records the patient's score for the doctor of a completed
// consultation. The consultation must have chat history, and a patient
// rates a given doctor once.
func (c *Coordinator) Rate(ctx context.Context, id string, actor auth.Principal, score int, review string) (*models.Rating, error) {
	if score < models.MinRating || score > models.MaxRating {
		return nil, apperr.New(apperr.ErrInvalidInput, "rating must be between %d and %d", models.MinRating, models.MaxRating)
	}

	var out models.Rating
	_, err := c.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		cons, err := tx.LockConsultation(id)
		if err != nil {
			return err
		}
		if actor.ID != cons.PatientID {
			return apperr.New(apperr.ErrForbidden, "only the patient of consultation %s may rate it", id)
		}
		if cons.Status != models.StatusCompleted {
			return apperr.New(apperr.ErrWrongState,
				"can only rate completed consultations, %s is %s", id, cons.Status)
		}
		n, err := tx.CountMessages(id)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.ErrNoChatHistory,
				"can only rate consultations with chat history")
		}

		out = models.Rating{
			ConsultationID: id,
			PatientID:      cons.PatientID,
			DoctorID:       cons.DoctorID,
			Score:          score,
			Review:         strings.TrimSpace(review),
		}
		return tx.InsertRating(&out)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("consultation rated", "consultation_id", id, "doctor_id", out.DoctorID, "score", score)
	return &out, nil
}

// DoctorRating summarises a doctor's ratings.
func (c *Coordinator) DoctorRating(ctx context.Context, doctorID string) (ledger.RatingSummary, error) {
	return c.ledger.DoctorRating(ctx, doctorID)
}

// SubmitFeedback stores a patient's written feedback about a doctor they
// have completed a consultation with.
func (c *Coordinator) SubmitFeedback(ctx context.Context, actor auth.Principal, doctorID, body string) (*models.Feedback, error) {
	if actor.Role != auth.RolePatient {
		return nil, apperr.New(apperr.ErrForbidden, "only patients can submit feedback")
	}
	body = strings.TrimSpace(body)
	if doctorID == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "doctor is required")
	}
	if utf8.RuneCountInString(body) < MinFeedbackLength {
		return nil, apperr.New(apperr.ErrInvalidInput,
			"feedback must be at least %d characters long", MinFeedbackLength)
	}

	ok, err := c.ledger.HasCompletedConsultation(ctx, actor.ID, doctorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.ErrNoCompletedVisit,
			"no completed consultation found with doctor %s", doctorID)
	}

	f := &models.Feedback{SenderID: actor.ID, DoctorID: doctorID, Body: body}
	if err := c.ledger.InsertFeedback(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// ListFeedback returns the actor's own feedback, newest first. SenderID in
// f is overwritten.
func (c *Coordinator) ListFeedback(ctx context.Context, actor auth.Principal, f ledger.FeedbackFilter) ([]models.Feedback, error) {
	if !f.CreatedAfter.IsZero() && !f.CreatedBefore.IsZero() && f.CreatedBefore.Before(f.CreatedAfter) {
		return nil, apperr.New(apperr.ErrInvalidInput, "created_before is earlier than created_after")
	}
	f.SenderID = actor.ID
	return c.ledger.ListFeedback(ctx, f)
}

// RecentFeedback returns the actor's latest feedback entries.
func (c *Coordinator) RecentFeedback(ctx context.Context, actor auth.Principal) ([]models.Feedback, error) {
	return c.ledger.ListFeedback(ctx, ledger.FeedbackFilter{SenderID: actor.ID, Limit: RecentFeedbackLimit})
}
