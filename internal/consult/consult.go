// Package consult coordinates consultation lifecycle transitions. Every
// transition locks the consultation row, re-validates the precondition,
// commits, and only then hands notifications to the dispatcher.
package consult

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
	"github.com/zulandar/medconsult/internal/notify"
)

// DefaultRejectReason is stored when a rejection carries no reason.
const DefaultRejectReason = "No reason provided"

// Coordinator runs accept, reject and complete against the ledger.
type Coordinator struct {
	ledger   *ledger.Ledger
	notifier *notify.Dispatcher
	log      *slog.Logger
	now      func() time.Time
}

// Opts configures a Coordinator.
type Opts struct {
	Ledger   *ledger.Ledger
	Notifier *notify.Dispatcher
	Logger   *slog.Logger
}

// New returns a Coordinator.
func New(opts Opts) (*Coordinator, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("consult: ledger is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("consult: notifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      time.Now,
	}, nil
}

// CreateRequest describes a consultation produced by the prediction
// subsystem. PatientID may be left empty when a patient creates their own.
type CreateRequest struct {
	PatientID        string
	DoctorID         string
	ConsultationDate time.Time
	DiseaseName      string
	Specialization   string
	Note             string
}

// Create inserts a requested consultation. Patients may only create their
// own; admins may create for anyone.
func (c *Coordinator) Create(ctx context.Context, actor auth.Principal, req CreateRequest) (*models.Consultation, error) {
	switch {
	case actor.IsAdmin():
	case actor.Role == auth.RolePatient:
		if req.PatientID == "" {
			req.PatientID = actor.ID
		}
		if req.PatientID != actor.ID {
			return nil, apperr.New(apperr.ErrForbidden, "patients may only request consultations for themselves")
		}
	default:
		return nil, apperr.New(apperr.ErrForbidden, "role %q may not request consultations", actor.Role)
	}

	cons := &models.Consultation{
		PatientID:        req.PatientID,
		DoctorID:         req.DoctorID,
		ConsultationDate: req.ConsultationDate,
		DiseaseName:      req.DiseaseName,
		Specialization:   req.Specialization,
		Note:             req.Note,
	}
	if err := c.ledger.CreateConsultation(ctx, cons); err != nil {
		return nil, err
	}
	return cons, nil
}

// Get returns a consultation visible to actor: its patient, its doctor, a
// participant, or an admin.
func (c *Coordinator) Get(ctx context.Context, id string, actor auth.Principal) (*models.Consultation, error) {
	cons, err := c.ledger.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(cons, actor) {
		return nil, apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", id)
	}
	return cons, nil
}

// CanView reports whether actor may read cons.
func CanView(cons *models.Consultation, actor auth.Principal) bool {
	return actor.IsAdmin() ||
		actor.ID == cons.PatientID ||
		actor.ID == cons.DoctorID ||
		cons.HasParticipant(actor.ID)
}

// Accept moves a requested consultation to active and adds the doctor and
// patient as participants. Only the assigned doctor may accept.
func (c *Coordinator) Accept(ctx context.Context, id string, actor auth.Principal) (*models.Consultation, error) {
	var out models.Consultation
	hooks, err := c.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		cons, err := tx.LockConsultation(id)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleDoctor || actor.ID != cons.DoctorID {
			return apperr.New(apperr.ErrNotAssignedDoctor,
				"only the assigned doctor may accept consultation %s", id)
		}
		if err := tx.Transition(cons, models.StatusActive, nil); err != nil {
			return err
		}
		if err := tx.AddParticipants(cons, cons.DoctorID, cons.PatientID); err != nil {
			return err
		}
		out = *cons
		snapshot := *cons
		tx.AfterCommit(func() {
			c.notifier.PublishEvent(context.WithoutCancel(ctx), &snapshot,
				notify.KindAccepted, "Consultation accepted by "+actor.ID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("consultation accepted", "consultation_id", id, "doctor_id", actor.ID)
	hooks.Run()
	return &out, nil
}

// Reject cancels a requested consultation. The assigned doctor or an admin
// may reject; a blank reason is replaced with DefaultRejectReason.
func (c *Coordinator) Reject(ctx context.Context, id string, actor auth.Principal, reason string) (*models.Consultation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}

	var out models.Consultation
	hooks, err := c.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		cons, err := tx.LockConsultation(id)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && (actor.Role != auth.RoleDoctor || actor.ID != cons.DoctorID) {
			return apperr.New(apperr.ErrNotAssignedDoctor,
				"only the assigned doctor may reject consultation %s", id)
		}
		if err := tx.Transition(cons, models.StatusCancelled, map[string]interface{}{
			"rejection_reason": reason,
		}); err != nil {
			return err
		}
		cons.RejectionReason = &reason
		out = *cons
		snapshot := *cons
		tx.AfterCommit(func() {
			c.notifier.PublishEvent(context.WithoutCancel(ctx), &snapshot,
				notify.KindCancelled, "Consultation cancelled by "+actor.ID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("consultation rejected", "consultation_id", id, "by", actor.ID, "reason", reason)
	hooks.Run()
	return &out, nil
}

// Complete finishes an active consultation that has at least one chat
// message. It does not check who is asking; see CompleteAs.
func (c *Coordinator) Complete(ctx context.Context, id string) (*models.Consultation, error) {
	return c.complete(ctx, id, nil)
}

// CompleteAs is Complete restricted to participants of the consultation and
// admins. The participant check runs under the same row lock as the
// transition.
func (c *Coordinator) CompleteAs(ctx context.Context, id string, actor auth.Principal) (*models.Consultation, error) {
	return c.complete(ctx, id, &actor)
}

func (c *Coordinator) complete(ctx context.Context, id string, actor *auth.Principal) (*models.Consultation, error) {
	var out models.Consultation
	hooks, err := c.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		cons, err := tx.LockConsultation(id)
		if err != nil {
			return err
		}
		if actor != nil && !actor.IsAdmin() && !cons.HasParticipant(actor.ID) {
			return apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", id)
		}
		if cons.Status != models.StatusActive {
			return apperr.New(apperr.ErrWrongState,
				"consultation %s is %s, not active", id, cons.Status)
		}
		n, err := tx.CountMessages(id)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.ErrNoChatHistory,
				"cannot end consultation %s without chat history", id)
		}

		now := c.now()
		if err := tx.Transition(cons, models.StatusCompleted, map[string]interface{}{
			"archived_at": now,
		}); err != nil {
			return err
		}
		cons.ArchivedAt = &now
		out = *cons
		snapshot := *cons

		line := "Consultation ended"
		if actor != nil && !actor.IsAdmin() {
			line = "Consultation ended by participant"
		}
		tx.AfterCommit(func() {
			bg := context.WithoutCancel(ctx)
			c.notifier.PublishEvent(bg, &snapshot, notify.KindCompleted, "Consultation completed")
			c.notifier.SystemMessage(bg, snapshot.ID, line, models.StatusCompleted)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("consultation completed", "consultation_id", id)
	hooks.Run()
	return &out, nil
}
