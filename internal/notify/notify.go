// Package notify publishes consultation lifecycle events and system chat
// lines to the broker. Publishing is best-effort: failures are logged and
// never reach the caller, whose state change is already committed.
package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/zulandar/medconsult/internal/broker"
	"github.com/zulandar/medconsult/internal/models"
)

// Envelope types.
const (
	TypeNotification = "consultation_notification"
	TypeChatMessage  = "chat_message"
)

// Lifecycle event kinds.
const (
	KindAccepted  = "accepted"
	KindCancelled = "cancelled"
	KindCompleted = "completed"
)

// SystemSender is the sender name of lines generated by the server.
const SystemSender = "system"

// Notification is delivered on user:<id> topics.
type Notification struct {
	Type           string    `json:"type"`
	Kind           string    `json:"kind"`
	ConsultationID string    `json:"consultation_id"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatEnvelope is delivered on consultation:<id> topics.
type ChatEnvelope struct {
	Type      string    `json:"type"`
	ID        uint      `json:"id,omitempty"`
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	System    bool      `json:"system"`
}

// NewChatEnvelope builds the envelope for a persisted message.
func NewChatEnvelope(m *models.ChatMessage) ChatEnvelope {
	return ChatEnvelope{
		Type:      TypeChatMessage,
		ID:        m.ID,
		Message:   m.Body,
		Sender:    m.SenderID,
		Timestamp: m.CreatedAt.UTC(),
		Status:    m.Status,
	}
}

// Dispatcher turns domain events into broker payloads.
type Dispatcher struct {
	broker broker.Broker
	log    *slog.Logger
	now    func() time.Time
}

// New returns a Dispatcher publishing to b. A nil logger discards output.
func New(b broker.Broker, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{broker: b, log: log, now: time.Now}
}

// Recipients returns who is told about c's lifecycle: its participants plus
// the patient and doctor, who are not yet participants before accept.
func Recipients(c *models.Consultation) []string {
	ids := append(c.ParticipantIDs(), c.PatientID, c.DoctorID)
	return lo.Uniq(lo.Compact(ids))
}

// PublishEvent notifies every recipient of c on their user topic.
func (d *Dispatcher) PublishEvent(ctx context.Context, c *models.Consultation, kind, message string) {
	payload, err := json.Marshal(Notification{
		Type:           TypeNotification,
		Kind:           kind,
		ConsultationID: c.ID,
		Message:        message,
		Timestamp:      d.now().UTC(),
	})
	if err != nil {
		d.log.Error("notify: marshal notification", "consultation_id", c.ID, "error", err)
		return
	}
	recipients := Recipients(c)
	for _, uid := range recipients {
		if err := d.broker.Publish(ctx, broker.UserTopic(uid), payload); err != nil {
			d.log.Error("notify: publish notification failed",
				"consultation_id", c.ID, "user_id", uid, "kind", kind, "error", err)
		}
	}
	d.log.Info("notified participants", "consultation_id", c.ID, "kind", kind, "recipients", len(recipients))
}

// PublishChat broadcasts env on the consultation's chat topic.
func (d *Dispatcher) PublishChat(ctx context.Context, consultationID string, env ChatEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		d.log.Error("notify: marshal chat envelope", "consultation_id", consultationID, "error", err)
		return
	}
	if err := d.broker.Publish(ctx, broker.ConsultationTopic(consultationID), payload); err != nil {
		d.log.Error("notify: publish chat failed",
			"consultation_id", consultationID, "message_id", env.ID, "error", err)
	}
}

// SystemMessage broadcasts a server-generated line on the consultation's
// chat topic. It is not persisted.
func (d *Dispatcher) SystemMessage(ctx context.Context, consultationID, message, status string) {
	d.PublishChat(ctx, consultationID, ChatEnvelope{
		Type:      TypeChatMessage,
		Message:   message,
		Sender:    SystemSender,
		Timestamp: d.now().UTC(),
		Status:    status,
		System:    true,
	})
}
