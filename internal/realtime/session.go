// Package realtime runs websocket sessions. A chat session is bound to one
// active consultation and relays its topic; a notification session relays
// the principal's user topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/broker"
	"github.com/zulandar/medconsult/internal/chat"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Inbound frame types.
const (
	FrameChatMessage = "chat_message"
	FrameEndChat     = "end_chat"
)

const defaultFrameTimeout = 5 * time.Second

type inboundFrame struct {
	Type    string `json:"type" validate:"oneof=chat_message end_chat"`
	Message string `json:"message" validate:"required_if=Type chat_message,max=4000"`
}

type errorFrame struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub holds what sessions need and serves them.
type Hub struct {
	verifier     auth.Verifier
	broker       broker.Broker
	ledger       *ledger.Ledger
	chat         *chat.Gateway
	coord        *consult.Coordinator
	validate     *validator.Validate
	frameTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// HubOpts configures a Hub.
type HubOpts struct {
	Verifier     auth.Verifier
	Broker       broker.Broker
	Ledger       *ledger.Ledger
	Chat         *chat.Gateway
	Coordinator  *consult.Coordinator
	FrameTimeout time.Duration
	Logger       *slog.Logger
}

// NewHub returns a Hub.
func NewHub(opts HubOpts) (*Hub, error) {
	if opts.Verifier == nil {
		return nil, fmt.Errorf("realtime: verifier is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("realtime: broker is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("realtime: ledger is required")
	}
	if opts.Chat == nil {
		return nil, fmt.Errorf("realtime: chat gateway is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("realtime: coordinator is required")
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = defaultFrameTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		verifier:     opts.Verifier,
		broker:       opts.Broker,
		ledger:       opts.Ledger,
		chat:         opts.Chat,
		coord:        opts.Coordinator,
		validate:     validator.New(),
		frameTimeout: opts.FrameTimeout,
		log:          opts.Logger,
		now:          time.Now,
	}, nil
}

// Session is one client connection. It is the broker subscriber for the
// topic it relays.
type Session struct {
	id  string
	hub *Hub
	t   Transport

	mu             sync.Mutex
	state          State
	principal      auth.Principal
	consultationID string

	once sync.Once
}

func (h *Hub) newSession(t Transport) *Session {
	return &Session{id: uuid.NewString(), hub: h, t: t, state: StateConnecting}
}

// ID implements broker.Subscriber.
func (s *Session) ID() string { return s.id }

// Deliver forwards a broker payload to the client unchanged. A full write
// queue closes the transport, which ends the session.
func (s *Session) Deliver(topic string, payload []byte) {
	if err := s.t.Send(payload); err != nil {
		s.hub.log.Warn("realtime: dropped delivery", "session_id", s.id, "topic", topic, "error", err)
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal returns the authenticated principal, zero before authentication.
func (s *Session) Principal() auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close unsubscribes the session from every topic and closes the
// transport. Only the first call has any effect.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		s.hub.broker.UnsubscribeAll(s)
		s.setState(StateClosed)
		s.t.Close(code, reason)
	})
}

func (s *Session) authenticate(ctx context.Context, credential string) (auth.Principal, error) {
	s.setState(StateAuthenticating)
	p, err := s.hub.verifier.Verify(ctx, credential)
	if err == nil && p.IsZero() {
		err = apperr.New(apperr.ErrUnauthenticated, "credential resolved to no principal")
	}
	if err != nil {
		s.Close(CloseAuthFailed, "authentication failed")
		return auth.Principal{}, err
	}
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
	return p, nil
}

func (s *Session) subscribe(topic string) error {
	if err := s.hub.broker.Subscribe(topic, s); err != nil {
		s.Close(websocket.CloseTryAgainLater, "broker unavailable")
		return err
	}
	s.setState(StateSubscribed)
	return nil
}

// ConnectConsultation authenticates credential and binds the session to an
// active consultation the principal participates in. Any failure closes the
// session: 4001 for authentication, 4003 for a missing, inactive or foreign
// consultation.
// The consultation is checked again once subscribed, so a completion that
// commits in between is never missed.
func (s *Session) ConnectConsultation(ctx context.Context, credential, consultationID string) error {
	p, err := s.authenticate(ctx, credential)
	if err != nil {
		return err
	}
	if err := s.admit(ctx, p, consultationID); err != nil {
		return err
	}

	s.mu.Lock()
	s.consultationID = consultationID
	s.mu.Unlock()
	if err := s.subscribe(broker.ConsultationTopic(consultationID)); err != nil {
		return err
	}
	if err := s.admit(ctx, p, consultationID); err != nil {
		return err
	}
	s.hub.log.Info("chat session opened", "session_id", s.id, "user_id", p.ID, "consultation_id", consultationID)
	return nil
}

// admit loads the consultation and closes the session unless it is active
// and p takes part in it.
func (s *Session) admit(ctx context.Context, p auth.Principal, consultationID string) error {
	c, err := s.hub.ledger.GetConsultation(ctx, consultationID)
	switch {
	case apperr.IsKind(err, apperr.KindNotFound):
		s.Close(CloseForbidden, "consultation not found")
		return err
	case err != nil:
		s.Close(websocket.CloseInternalServerErr, "consultation lookup failed")
		return err
	case c.Status != models.StatusActive:
		s.Close(CloseForbidden, "consultation is not active")
		return apperr.New(apperr.ErrConsultationNotActive, "consultation %s is %s", consultationID, c.Status)
	case !c.HasParticipant(p.ID):
		s.Close(CloseForbidden, "not a participant")
		return apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", consultationID)
	}
	return nil
}

// ConnectNotifications authenticates credential and subscribes the session
// to the principal's user topic.
func (s *Session) ConnectNotifications(ctx context.Context, credential string) error {
	p, err := s.authenticate(ctx, credential)
	if err != nil {
		return err
	}
	if err := s.subscribe(broker.UserTopic(p.ID)); err != nil {
		return err
	}
	s.hub.log.Info("notification session opened", "session_id", s.id, "user_id", p.ID)
	return nil
}

// ServeConsultation runs a chat session over t until the client goes away
// or ctx is cancelled.
func (h *Hub) ServeConsultation(ctx context.Context, t Transport, credential, consultationID string) error {
	s := h.newSession(t)
	if err := s.ConnectConsultation(ctx, credential, consultationID); err != nil {
		h.log.Info("chat session rejected", "consultation_id", consultationID, "error", err)
		return err
	}
	s.run(ctx, s.handleChatFrame)
	return nil
}

// ServeNotifications runs a notification session over t. Inbound frames
// are read only to detect disconnects.
func (h *Hub) ServeNotifications(ctx context.Context, t Transport, credential string) error {
	s := h.newSession(t)
	if err := s.ConnectNotifications(ctx, credential); err != nil {
		h.log.Info("notification session rejected", "error", err)
		return err
	}
	s.run(ctx, func(context.Context, []byte) {})
	return nil
}

func (s *Session) run(ctx context.Context, handle func(context.Context, []byte)) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close(websocket.CloseGoingAway, "server shutting down")
		case <-done:
		}
	}()

	for {
		data, err := s.t.Read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, errTransportClosed) {
				s.hub.log.Debug("realtime: read ended", "session_id", s.id, "error", err)
			}
			break
		}
		handle(ctx, data)
	}
	s.Close(websocket.CloseNormalClosure, "session closed")
	s.hub.log.Info("session closed", "session_id", s.id, "user_id", s.Principal().ID)
}

func (s *Session) handleChatFrame(ctx context.Context, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.replyError(apperr.New(apperr.ErrInvalidInput, "invalid message format"))
		return
	}
	if f.Type == "" {
		f.Type = FrameChatMessage
	}
	if err := s.hub.validate.Struct(f); err != nil {
		s.replyError(apperr.Wrap(apperr.ErrInvalidInput, err, "invalid %s frame", f.Type))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.hub.frameTimeout)
	defer cancel()

	s.mu.Lock()
	p, id := s.principal, s.consultationID
	s.mu.Unlock()

	var err error
	switch f.Type {
	case FrameChatMessage:
		_, err = s.hub.chat.Send(ctx, id, p, f.Message)
	case FrameEndChat:
		_, err = s.hub.coord.CompleteAs(ctx, id, p)
	}
	if err != nil {
		s.replyError(err)
	}
}

// replyError answers this connection only.
func (s *Session) replyError(err error) {
	frame := errorFrame{
		Error:     apperr.MessageOf(err),
		Code:      apperr.CodeOf(err),
		Timestamp: s.hub.now().UTC(),
	}
	if frame.Code == "" {
		s.hub.log.Error("realtime: frame failed", "session_id", s.id, "error", err)
		frame.Error, frame.Code = "internal error", "internal"
	}
	payload, mErr := json.Marshal(frame)
	if mErr != nil {
		return
	}
	_ = s.t.Send(payload)
}
