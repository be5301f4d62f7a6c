// Package sweeper cancels requested consultations whose date has passed
// without the doctor accepting them.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
	"github.com/zulandar/medconsult/internal/consult"
	"github.com/zulandar/medconsult/internal/ledger"
)

// ExpiredReason is the rejection reason recorded on swept consultations.
const ExpiredReason = "Consultation date passed without acceptance"

// Actor is the principal the sweeper rejects as.
var Actor = auth.Principal{ID: "system:sweeper", Role: auth.RoleAdmin}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically rejects expired requests through the coordinator,
// so each one is locked, re-checked and notified like any other rejection.
type Sweeper struct {
	ledger   *ledger.Ledger
	coord    *consult.Coordinator
	schedule cron.Schedule
	log      *slog.Logger
	now      func() time.Time
}

// Opts configures a Sweeper.
type Opts struct {
	Ledger      *ledger.Ledger
	Coordinator *consult.Coordinator
	Schedule    string
	Logger      *slog.Logger
}

// New returns a Sweeper firing on opts.Schedule.
func New(opts Opts) (*Sweeper, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("sweeper: ledger is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("sweeper: coordinator is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		ledger:   opts.Ledger,
		coord:    opts.Coordinator,
		schedule: sched,
		log:      opts.Logger,
		now:      time.Now,
	}, nil
}

// RunOnce rejects every requested consultation dated before today and
// returns how many it cancelled. A consultation accepted or rejected
// concurrently is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.ledger.ExpiredRequests(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweeper: %w", err)
	}

	var (
		swept int
		errs  []error
	)
	for _, id := range ids {
		_, err := s.coord.Reject(ctx, id, Actor, ExpiredReason)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, apperr.ErrWrongState), errors.Is(err, apperr.ErrNotFound):
			s.log.Debug("sweeper: consultation moved on", "consultation_id", id, "error", err)
		default:
			errs = append(errs, fmt.Errorf("reject %s: %w", id, err))
		}
	}
	if swept > 0 {
		s.log.Info("swept expired consultations", "cancelled", swept)
	}
	if len(errs) > 0 {
		return swept, fmt.Errorf("sweeper: %w", errors.Join(errs...))
	}
	return swept, nil
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweeper: run failed", "error", err)
			}
			timer.Reset(s.nextDelay())
		}
	}
}

// nextDelay returns the time until the next scheduled fire.
func (s *Sweeper) nextDelay() time.Duration {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
