package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Store implements store.Store on PostgreSQL. Every unit of work runs at
// serializable isolation; writes are additionally guarded by row versions.
type Store struct {
	pool   *pgxpool.Pool
	audit  *AuditRepository
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		audit:  NewAuditRepository(pool),
		logger: logger.With().Str("component", "postgres").Logger(),
	}
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(ctx, &unitOfWork{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		err = classify(err)
		s.logger.Debug().Err(err).Msg("commit failed")
		return err
	}
	return nil
}

func (s *Store) Audit() audit.Repository {
	return s.audit
}

func (s *Store) Close() {
	s.pool.Close()
}

type unitOfWork struct {
	q querier
}

func (u *unitOfWork) Keys() key.Repository                 { return &KeyRepository{q: u.q} }
func (u *unitOfWork) Transactions() transaction.Repository { return &TransactionRepository{q: u.q} }
func (u *unitOfWork) Requests() request.Repository         { return &RequestRepository{q: u.q} }
func (u *unitOfWork) Users() user.Repository               { return &UserRepository{q: u.q} }
