package consult

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/broker"
	"github.com/zulandar/medconsult/internal/db"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/mocks"
	"github.com/zulandar/medconsult/internal/models"
	"github.com/zulandar/medconsult/internal/notify"
	"go.uber.org/mock/gomock"
)

var (
	doctor  = auth.Principal{ID: "doc-1", Role: auth.RoleDoctor}
	patient = auth.Principal{ID: "pat-1", Role: auth.RolePatient}
	admin   = auth.Principal{ID: "admin-1", Role: auth.RoleAdmin}
	other   = auth.Principal{ID: "doc-2", Role: auth.RoleDoctor}
)

type env struct {
	ledger *ledger.Ledger
	broker *broker.Local
	coord  *Coordinator
}

func newEnv(t *testing.T, b broker.Broker) *env {
	t.Helper()
	gormDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "consult.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(gormDB) })
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := &env{ledger: ledger.New(gormDB, nil)}
	if b == nil {
		e.broker = broker.NewLocal(broker.LocalOpts{})
		t.Cleanup(func() { e.broker.Close() })
		b = e.broker
	}
	e.coord, err = New(Opts{Ledger: e.ledger, Notifier: notify.New(b, nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func (e *env) create(t *testing.T) *models.Consultation {
	t.Helper()
	return e.createOn(t, 1)
}

func (e *env) createOn(t *testing.T, day int) *models.Consultation {
	t.Helper()
	c, err := e.coord.Create(context.Background(), patient, CreateRequest{
		DoctorID:         doctor.ID,
		ConsultationDate: time.Date(2026, 6, day, 0, 0, 0, 0, time.UTC),
		DiseaseName:      "Migraine",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func (e *env) addChat(t *testing.T, consultationID, sender string) {
	t.Helper()
	_, err := e.ledger.Transact(context.Background(), func(tx *ledger.Tx) error {
		return tx.InsertMessage(&models.ChatMessage{
			ConsultationID: consultationID,
			SenderID:       sender,
			Body:           "I have had a headache for three days",
		})
	})
	if err != nil {
		t.Fatalf("insert chat: %v", err)
	}
}

// inbox subscribes to topic and returns a channel of decoded payloads.
func (e *env) inbox(t *testing.T, id, topic string) <-chan map[string]any {
	t.Helper()
	ch := make(chan map[string]any, 16)
	sub := &broker.FuncSubscriber{SubscriberID: id, Fn: func(_ string, p []byte) {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err == nil {
			ch <- m
		}
	}}
	if err := e.broker.Subscribe(topic, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error without ledger")
	}
	if _, err := New(Opts{Ledger: &ledger.Ledger{}}); err == nil {
		t.Error("expected error without notifier")
	}
}

func TestCreate_Permissions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	date := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

	if _, err := e.coord.Create(ctx, doctor, CreateRequest{PatientID: "pat-1", DoctorID: "doc-1", ConsultationDate: date}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("doctor create err = %v, want ErrForbidden", err)
	}
	if _, err := e.coord.Create(ctx, patient, CreateRequest{PatientID: "pat-9", DoctorID: "doc-1", ConsultationDate: date}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("patient for someone else err = %v, want ErrForbidden", err)
	}
	c, err := e.coord.Create(ctx, admin, CreateRequest{PatientID: "pat-9", DoctorID: "doc-1", ConsultationDate: date})
	if err != nil {
		t.Fatalf("admin create: %v", err)
	}
	if c.Status != models.StatusRequested || c.PatientID != "pat-9" {
		t.Errorf("created = %+v", c)
	}
}

func TestCreate_DuplicateIsConflict(t *testing.T) {
	e := newEnv(t, nil)
	e.create(t)

	_, err := e.coord.Create(context.Background(), patient, CreateRequest{
		DoctorID:         doctor.ID,
		ConsultationDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestGet_Visibility(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	ctx := context.Background()

	for _, p := range []auth.Principal{patient, doctor, admin} {
		if _, err := e.coord.Get(ctx, c.ID, p); err != nil {
			t.Errorf("Get as %s: %v", p.ID, err)
		}
	}
	if _, err := e.coord.Get(ctx, c.ID, other); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Errorf("Get as stranger err = %v", err)
	}
	if _, err := e.coord.Get(ctx, "missing", admin); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get missing err = %v", err)
	}
}

func TestAccept(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	patInbox := e.inbox(t, "pat-ws", broker.UserTopic(patient.ID))
	docInbox := e.inbox(t, "doc-ws", broker.UserTopic(doctor.ID))

	got, err := e.coord.Accept(context.Background(), c.ID, doctor)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}

	stored, _ := e.ledger.GetConsultation(context.Background(), c.ID)
	if !stored.HasParticipant(doctor.ID) || !stored.HasParticipant(patient.ID) || len(stored.Participants) != 2 {
		t.Errorf("Participants = %v", stored.ParticipantIDs())
	}

	for _, ch := range []<-chan map[string]any{patInbox, docInbox} {
		m := receive(t, ch)
		if m["type"] != "consultation_notification" || m["kind"] != "accepted" || m["consultation_id"] != c.ID {
			t.Errorf("notification = %v", m)
		}
	}
}

func TestAccept_WrongActor(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)

	for _, actor := range []auth.Principal{other, patient, admin} {
		_, err := e.coord.Accept(context.Background(), c.ID, actor)
		if apperr.KindOf(err) != apperr.KindAuthorization {
			t.Errorf("Accept as %s err = %v, want authorization", actor.ID, err)
		}
	}
	stored, _ := e.ledger.GetConsultation(context.Background(), c.ID)
	if stored.Status != models.StatusRequested {
		t.Errorf("Status = %q, want requested", stored.Status)
	}
}

func TestAccept_Concurrent_OneWinner(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)

	const goroutines = 10
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		badState atomic.Int32
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coord.Accept(context.Background(), c.ID, doctor)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, apperr.ErrWrongState):
				badState.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
	if badState.Load() != goroutines-1 {
		t.Errorf("invalid-state losers = %d, want %d", badState.Load(), goroutines-1)
	}
}

func TestReject(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	patInbox := e.inbox(t, "pat-ws", broker.UserTopic(patient.ID))

	got, err := e.coord.Reject(context.Background(), c.ID, doctor, "   ")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("Status = %q", got.Status)
	}
	stored, _ := e.ledger.GetConsultation(context.Background(), c.ID)
	if stored.RejectionReason == nil || *stored.RejectionReason != DefaultRejectReason {
		t.Errorf("RejectionReason = %v", stored.RejectionReason)
	}

	m := receive(t, patInbox)
	if m["kind"] != "cancelled" {
		t.Errorf("notification = %v", m)
	}
}

func TestReject_AdminAllowed(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	if _, err := e.coord.Reject(context.Background(), c.ID, admin, "Expired"); err != nil {
		t.Fatalf("admin Reject: %v", err)
	}
	if _, err := e.coord.Reject(context.Background(), e.createOn(t, 9).ID, patient, "x"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Errorf("patient Reject err = %v", err)
	}
}

func TestReject_NonRequestedFails(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	if _, err := e.coord.Accept(context.Background(), c.ID, doctor); err != nil {
		t.Fatal(err)
	}

	_, err := e.coord.Reject(context.Background(), c.ID, doctor, "changed my mind")
	if !errors.Is(err, apperr.ErrWrongState) {
		t.Fatalf("err = %v, want ErrWrongState", err)
	}
	stored, _ := e.ledger.GetConsultation(context.Background(), c.ID)
	if stored.Status != models.StatusActive || stored.RejectionReason != nil {
		t.Errorf("stored = status %q reason %v", stored.Status, stored.RejectionReason)
	}
}

func TestComplete_WithoutChatHistory(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	if _, err := e.coord.Accept(context.Background(), c.ID, doctor); err != nil {
		t.Fatal(err)
	}

	_, err := e.coord.Complete(context.Background(), c.ID)
	if !errors.Is(err, apperr.ErrNoChatHistory) {
		t.Fatalf("err = %v, want ErrNoChatHistory", err)
	}
	if errors.Is(err, apperr.ErrWrongState) {
		t.Error("no-history must be distinguishable from wrong state")
	}
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Errorf("kind = %v", apperr.KindOf(err))
	}
}

func TestComplete_RequestedIsWrongState(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	_, err := e.coord.Complete(context.Background(), c.ID)
	if !errors.Is(err, apperr.ErrWrongState) {
		t.Fatalf("err = %v, want ErrWrongState", err)
	}
}

func TestScenario_AcceptChatComplete(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.create(t)
	chat := e.inbox(t, "room", broker.ConsultationTopic(c.ID))
	patInbox := e.inbox(t, "pat-ws", broker.UserTopic(patient.ID))

	if _, err := e.coord.Accept(ctx, c.ID, doctor); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	receive(t, patInbox)

	e.addChat(t, c.ID, patient.ID)

	done, err := e.coord.CompleteAs(ctx, c.ID, patient)
	if err != nil {
		t.Fatalf("CompleteAs: %v", err)
	}
	if done.Status != models.StatusCompleted || done.ArchivedAt == nil {
		t.Errorf("completed = status %q archived %v", done.Status, done.ArchivedAt)
	}

	m := receive(t, patInbox)
	if m["kind"] != "completed" {
		t.Errorf("notification = %v", m)
	}
	sys := receive(t, chat)
	if sys["system"] != true || sys["sender"] != "system" || sys["status"] != "completed" {
		t.Errorf("system line = %v", sys)
	}
	if sys["message"] != "Consultation ended by participant" {
		t.Errorf("system message = %v", sys["message"])
	}

	_, err = e.coord.Complete(ctx, c.ID)
	if !errors.Is(err, apperr.ErrWrongState) {
		t.Fatalf("second complete err = %v, want ErrWrongState", err)
	}
	stored, _ := e.ledger.GetConsultation(ctx, c.ID)
	if stored.ArchivedAt == nil || !stored.ArchivedAt.Equal(*done.ArchivedAt) {
		t.Errorf("archived_at changed: %v vs %v", stored.ArchivedAt, done.ArchivedAt)
	}
}

func TestCompleteAs_NonParticipant(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	if _, err := e.coord.Accept(context.Background(), c.ID, doctor); err != nil {
		t.Fatal(err)
	}
	e.addChat(t, c.ID, doctor.ID)

	_, err := e.coord.CompleteAs(context.Background(), c.ID, other)
	if !errors.Is(err, apperr.ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
}

func TestNoNotificationOnFailedTransition(t *testing.T) {
	e := newEnv(t, nil)
	c := e.create(t)
	patInbox := e.inbox(t, "pat-ws", broker.UserTopic(patient.ID))

	if _, err := e.coord.Complete(context.Background(), c.ID); err == nil {
		t.Fatal("expected error")
	}
	select {
	case m := <-patInbox:
		t.Fatalf("unexpected notification %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerFailureDoesNotRollBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	failing := mocks.NewMockBroker(ctrl)
	failing.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(apperr.New(apperr.ErrBrokerUnavailable, "down")).AnyTimes()

	e := newEnv(t, failing)
	c := e.create(t)

	if _, err := e.coord.Accept(context.Background(), c.ID, doctor); err != nil {
		t.Fatalf("Accept must succeed despite broker failure: %v", err)
	}
	stored, _ := e.ledger.GetConsultation(context.Background(), c.ID)
	if stored.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", stored.Status)
	}
}
