// Package chat validates, persists and broadcasts consultation chat
// messages. A message is published only after the transaction that stored
// it has committed.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/ledger"
	"github.com/zulandar/medconsult/internal/models"
	"github.com/zulandar/medconsult/internal/notify"
)

// Defaults for Opts fields left at zero.
const (
	DefaultMinLength   = 10
	DefaultPageSize    = 20
	DefaultMaxPageSize = 50
)

// Gateway is the single write path for chat messages.
type Gateway struct {
	ledger      *ledger.Ledger
	notifier    *notify.Dispatcher
	minLength   int
	pageSize    int
	maxPageSize int
	log         *slog.Logger
}

// Opts configures a Gateway.
type Opts struct {
	Ledger      *ledger.Ledger
	Notifier    *notify.Dispatcher
	MinLength   int
	PageSize    int
	MaxPageSize int
	Logger      *slog.Logger
}

// New returns a Gateway.
func New(opts Opts) (*Gateway, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("chat: ledger is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("chat: notifier is required")
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPageSize < opts.PageSize {
		opts.MaxPageSize = max(DefaultMaxPageSize, opts.PageSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		ledger:      opts.Ledger,
		notifier:    opts.Notifier,
		minLength:   opts.MinLength,
		pageSize:    opts.PageSize,
		maxPageSize: opts.MaxPageSize,
		log:         opts.Logger,
	}, nil
}

// Validate checks that senderID may post body to c. Length is counted in
// characters after trimming surrounding whitespace.
func (g *Gateway) Validate(c *models.Consultation, senderID, body string) error {
	if !c.HasParticipant(senderID) {
		return apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", c.ID)
	}
	if c.Status != models.StatusActive {
		return apperr.New(apperr.ErrConsultationNotActive, "consultation %s is not active", c.ID)
	}
	if utf8.RuneCountInString(strings.TrimSpace(body)) < g.minLength {
		return apperr.New(apperr.ErrMessageTooShort,
			"message must be at least %d characters", g.minLength)
	}
	return nil
}

// Send validates and stores a message under the consultation's row lock,
// then broadcasts it on the consultation topic.
func (g *Gateway) Send(ctx context.Context, consultationID string, sender auth.Principal, body string) (*models.ChatMessage, error) {
	body = strings.TrimSpace(body)

	var msg models.ChatMessage
	hooks, err := g.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		c, err := tx.LockConsultation(consultationID)
		if err != nil {
			return err
		}
		if err := g.Validate(c, sender.ID, body); err != nil {
			return err
		}
		msg = models.ChatMessage{
			ConsultationID: consultationID,
			SenderID:       sender.ID,
			Body:           body,
			Status:         models.MessageSent,
		}
		if err := tx.InsertMessage(&msg); err != nil {
			return err
		}
		env := notify.NewChatEnvelope(&msg)
		tx.AfterCommit(func() {
			g.notifier.PublishChat(context.WithoutCancel(ctx), consultationID, env)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.log.Debug("chat message stored", "consultation_id", consultationID,
		"message_id", msg.ID, "sender_id", sender.ID)
	hooks.Run()
	return &msg, nil
}

// HistoryFilter selects a page of a consultation's history. Page is
// 1-based. A zero CreatedAfter or CreatedBefore leaves that bound open.
type HistoryFilter struct {
	Status        string
	SenderID      string
	Search        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Page          int
	PageSize      int
}

// Page is one page of history, newest first.
type Page struct {
	Messages []models.ChatMessage
	Total    int64
	Page     int
	PageSize int
}

// History returns a page of messages to a participant or admin.
func (g *Gateway) History(ctx context.Context, consultationID string, actor auth.Principal, f HistoryFilter) (*Page, error) {
	c, err := g.ledger.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !c.HasParticipant(actor.ID) {
		return nil, apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", consultationID)
	}
	if f.Status != "" && !models.ValidMessageStatus(f.Status) {
		return nil, apperr.New(apperr.ErrInvalidInput, "unknown message status %q", f.Status)
	}

	if !f.CreatedAfter.IsZero() && !f.CreatedBefore.IsZero() && f.CreatedBefore.Before(f.CreatedAfter) {
		return nil, apperr.New(apperr.ErrInvalidInput, "created_before is earlier than created_after")
	}

	size := f.PageSize
	if size <= 0 {
		size = g.pageSize
	}
	size = min(size, g.maxPageSize)
	// The offset must not overflow.
	page := min(max(f.Page, 1), math.MaxInt/size)

	msgs, total, err := g.ledger.ListMessages(ctx, consultationID, ledger.MessageFilter{
		Status:        f.Status,
		SenderID:      f.SenderID,
		Search:        f.Search,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		Offset:        (page - 1) * size,
		Limit:         size,
	})
	if err != nil {
		return nil, err
	}
	return &Page{Messages: msgs, Total: total, Page: page, PageSize: size}, nil
}

// AdvanceStatus moves a message forward to status on behalf of a
// recipient. Regressions and repeats are ignored and report false. The
// updated message is re-broadcast when its status changed.
func (g *Gateway) AdvanceStatus(ctx context.Context, messageID uint, actor auth.Principal, status string) (*models.ChatMessage, bool, error) {
	var (
		msg     *models.ChatMessage
		changed bool
	)
	hooks, err := g.ledger.Transact(ctx, func(tx *ledger.Tx) error {
		m, err := tx.LockMessage(messageID)
		if err != nil {
			return err
		}
		c, err := tx.LockConsultation(m.ConsultationID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(actor.ID) {
			return apperr.New(apperr.ErrNotParticipant, "not a participant of consultation %s", c.ID)
		}
		if m.SenderID == actor.ID {
			return apperr.New(apperr.ErrForbidden, "senders cannot change the status of their own message")
		}
		changed, err = tx.AdvanceMessageStatus(m, status)
		if err != nil {
			return err
		}
		msg = m
		if changed {
			env := notify.NewChatEnvelope(m)
			tx.AfterCommit(func() {
				g.notifier.PublishChat(context.WithoutCancel(ctx), m.ConsultationID, env)
			})
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	hooks.Run()
	return msg, changed, nil
}
