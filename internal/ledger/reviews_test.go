package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/models"
)

// finish walks c through active to completed.
func finish(t *testing.T, l *Ledger, c *models.Consultation) {
	t.Helper()
	_, err := l.Transact(context.Background(), func(tx *Tx) error {
		locked, err := tx.LockConsultation(c.ID)
		if err != nil {
			return err
		}
		if err := tx.Transition(locked, models.StatusActive, nil); err != nil {
			return err
		}
		return tx.Transition(locked, models.StatusCompleted, map[string]interface{}{"archived_at": time.Now()})
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestInsertRating_OnePerPair(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	c := createConsultation(t, l, "pat-1", "doc-1")

	rate := func(patient string, score int) error {
		_, err := l.Transact(ctx, func(tx *Tx) error {
			return tx.InsertRating(&models.Rating{ConsultationID: c.ID, PatientID: patient, DoctorID: "doc-1", Score: score})
		})
		return err
	}
	if err := rate("pat-1", 4); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if err := rate("pat-1", 2); !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second rating err = %v, want ErrDuplicate", err)
	}
	if err := rate("pat-2", 5); err != nil {
		t.Fatalf("other patient: %v", err)
	}

	sum, err := l.DoctorRating(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 2 || math.Abs(sum.Average-4.5) > 1e-9 {
		t.Errorf("summary = %+v, want 2 ratings averaging 4.5", sum)
	}

	none, err := l.DoctorRating(ctx, "doc-9")
	if err != nil {
		t.Fatal(err)
	}
	if none.Count != 0 || none.Average != 0 {
		t.Errorf("unrated summary = %+v", none)
	}
}

func TestHasCompletedConsultation(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	c := createConsultation(t, l, "pat-1", "doc-1")

	ok, err := l.HasCompletedConsultation(ctx, "pat-1", "doc-1")
	if err != nil || ok {
		t.Fatalf("before completion = %v, %v", ok, err)
	}
	finish(t, l, c)
	ok, err = l.HasCompletedConsultation(ctx, "pat-1", "doc-1")
	if err != nil || !ok {
		t.Fatalf("after completion = %v, %v", ok, err)
	}
	ok, err = l.HasCompletedConsultation(ctx, "pat-1", "doc-2")
	if err != nil || ok {
		t.Fatalf("other doctor = %v, %v", ok, err)
	}
}

func TestFeedback_InsertAndList(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	entries := []models.Feedback{
		{SenderID: "pat-1", DoctorID: "doc-1", Body: "very thorough and patient", CreatedAt: base},
		{SenderID: "pat-1", DoctorID: "doc-2", Body: "quick answers, 100% helpful", CreatedAt: base.Add(24 * time.Hour)},
		{SenderID: "pat-2", DoctorID: "doc-1", Body: "explained the treatment well", CreatedAt: base.Add(48 * time.Hour)},
	}
	for i := range entries {
		if err := l.InsertFeedback(ctx, &entries[i]); err != nil {
			t.Fatalf("InsertFeedback %d: %v", i, err)
		}
	}
	dup := models.Feedback{SenderID: "pat-1", DoctorID: "doc-1", Body: "writing about the same doctor again"}
	if err := l.InsertFeedback(ctx, &dup); !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("duplicate err = %v, want ErrDuplicate", err)
	}

	tests := []struct {
		name   string
		filter FeedbackFilter
		want   []uint
	}{
		{"own newest first", FeedbackFilter{SenderID: "pat-1"}, []uint{entries[1].ID, entries[0].ID}},
		{"limit", FeedbackFilter{SenderID: "pat-1", Limit: 1}, []uint{entries[1].ID}},
		{"search escapes wildcards", FeedbackFilter{SenderID: "pat-1", Search: "100%"}, []uint{entries[1].ID}},
		{"created after", FeedbackFilter{CreatedAfter: base.Add(time.Hour)}, []uint{entries[2].ID, entries[1].ID}},
		{"created before", FeedbackFilter{CreatedBefore: base.Add(time.Hour)}, []uint{entries[0].ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.ListFeedback(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, f := range got {
				if f.ID != tt.want[i] {
					t.Errorf("got[%d] = %d, want %d", i, f.ID, tt.want[i])
				}
			}
		})
	}
}
