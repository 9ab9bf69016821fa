package store

import (
	"context"
	"errors"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// DefaultMaxAttempts bounds optimistic retries of one unit of work.
const DefaultMaxAttempts = 5

// Tx exposes repositories bound to one unit of work.
type Tx interface {
	Keys() key.Repository
	Transactions() transaction.Repository
	Requests() request.Repository
	Users() user.Repository
}

// Store is the Entity Store.
type Store interface {
	// RunInTx runs fn atomically. A commit that loses a race fails with
	// ConcurrentModification and leaves no trace of fn's writes.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Audit returns the audit sink, which is written outside units of work.
	Audit() audit.Repository
	Close()
}

// WithRetry runs fn in a unit of work, re-running it from scratch on
// ConcurrentModification up to attempts times.
func WithRetry(ctx context.Context, s Store, attempts int, fn func(ctx context.Context, tx Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, "context done", ctxErr)
		}
		err = s.RunInTx(ctx, fn)
		if err == nil || !errors.Is(err, apperr.ErrConcurrentModification) {
			return err
		}
	}
	return apperr.Wrap(apperr.KindConcurrentModification, "retries exhausted", err)
}
