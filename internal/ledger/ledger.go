// Package ledger is the durable store of consultations and chat messages.
// It owns the status transition table and the post-commit hook list that
// callers drain once a transaction is durable.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gorm.io/gorm"
)

// Ledger wraps a GORM connection with consultation-specific operations.
type Ledger struct {
	db  *gorm.DB
	log *slog.Logger
}

// New returns a Ledger backed by db. A nil logger discards output.
func New(db *gorm.DB, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{db: db, log: log}
}

// DB exposes the underlying connection for migrations and tests.
func (l *Ledger) DB() *gorm.DB { return l.db }

// Hooks are actions deferred until a transaction has committed.
type Hooks []func()

// Run executes every hook in registration order.
func (h Hooks) Run() {
	for _, fn := range h {
		fn()
	}
}

// Tx is a ledger transaction. All reads and writes made through it commit or
// roll back together.
type Tx struct {
	db    *gorm.DB
	hooks Hooks
}

// AfterCommit queues fn to run only if the transaction commits.
func (tx *Tx) AfterCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// Transact runs fn inside a database transaction. On commit it returns the
// hooks fn registered; on rollback the hooks are discarded and the error is
// returned.
func (l *Ledger) Transact(ctx context.Context, fn func(tx *Tx) error) (Hooks, error) {
	var hooks Hooks
	err := l.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx := &Tx{db: gtx}
		if err := fn(tx); err != nil {
			return err
		}
		hooks = tx.hooks
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("ledger transaction committed", "hooks", len(hooks))
	return hooks, nil
}

// wrapDB adds the ledger prefix to a raw database error.
func wrapDB(op string, err error) error {
	return fmt.Errorf("ledger: %s: %w", op, err)
}
