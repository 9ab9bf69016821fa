package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
)

func seedKey(t *testing.T, s *Store, code string) *key.Key {
	t.Helper()
	k := key.NewKey(code, "", "", "")
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Keys().Create(ctx, k)
	}))
	return k
}

func loadKey(t *testing.T, s *Store, id uuid.UUID) *key.Key {
	t.Helper()
	var out *key.Key
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Keys().GetByID(ctx, id)
		return err
	}))
	return out
}

func TestStore_CommitAndVersion(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")

	got := loadKey(t, s, k.ID)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Keys().GetByID(ctx, k.ID)
		if err != nil {
			return err
		}
		cur.Location = "Vault"
		return tx.Keys().Update(ctx, cur)
	}))

	got = loadKey(t, s, k.ID)
	assert.Equal(t, "Vault", got.Location)
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_RollbackOnError(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cur, _ := tx.Keys().GetByID(ctx, k.ID)
		cur.Location = "Nowhere"
		if err := tx.Keys().Update(ctx, cur); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, loadKey(t, s, k.ID).Location)
}

func TestStore_ReadOwnWrites(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cur, _ := tx.Keys().GetByID(ctx, k.ID)
		cur.Type = "master"
		require.NoError(t, tx.Keys().Update(ctx, cur))

		again, _ := tx.Keys().GetByID(ctx, k.ID)
		assert.Equal(t, "master", again.Type)

		listed, _ := tx.Keys().List(ctx, key.Filter{}, 0, 0)
		require.Len(t, listed, 1)
		assert.Equal(t, "master", listed[0].Type)
		return nil
	}))
}

func TestStore_ConflictingCommit(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cur, _ := tx.Keys().GetByID(ctx, k.ID)

		// a competing unit of work commits in between
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
			o, _ := other.Keys().GetByID(ctx, k.ID)
			o.Location = "first"
			return other.Keys().Update(ctx, o)
		}))

		cur.Location = "second"
		return tx.Keys().Update(ctx, cur)
	})

	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
	assert.Equal(t, "first", loadKey(t, s, k.ID).Location)
}

func TestStore_ErrorOnStaleReadIsConflict(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")
	denied := errors.New("key moved on")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _ = tx.Keys().GetByID(ctx, k.ID)
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
			o, _ := other.Keys().GetByID(ctx, k.ID)
			o.Location = "first"
			return other.Keys().Update(ctx, o)
		}))
		return denied
	})
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
	assert.ErrorIs(t, err, denied)

	attempts := 0
	err = store.WithRetry(context.Background(), s, 3, func(ctx context.Context, tx store.Tx) error {
		attempts++
		_, _ = tx.Keys().GetByID(ctx, k.ID)
		if attempts == 1 {
			require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
				o, _ := other.Keys().GetByID(ctx, k.ID)
				o.Location = "second"
				return other.Keys().Update(ctx, o)
			}))
			return denied
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestStore_ScanDetectsPhantoms(t *testing.T) {
	s := New()
	seedKey(t, s, "MAIN-001")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, _ = tx.Keys().List(ctx, key.Filter{}, 0, 0)
		seedKey(t, s, "MAIN-002")
		return tx.Keys().Create(ctx, key.NewKey("MAIN-003", "", "", ""))
	})
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
}

func TestStore_UniqueCode(t *testing.T) {
	s := New()
	seedKey(t, s, "MAIN-001")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Keys().Create(ctx, key.NewKey("MAIN-001", "", "", ""))
	})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestStore_TransactionSequenceAndLookup(t *testing.T) {
	s := New()
	var created *transaction.Transaction
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		seq, err := tx.Transactions().NextSequence(ctx)
		if err != nil {
			return err
		}
		created = transaction.NewDraft(seq, uuid.New(), uuid.New())
		return tx.Transactions().Create(ctx, created)
	}))
	assert.Equal(t, "TXN-000001", created.TransactionID)

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Transactions().GetByTransactionID(ctx, "TXN-000001")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, created.ID, got.ID)

		missing, err := tx.Transactions().GetByID(ctx, uuid.New())
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))
}

func TestWithRetry(t *testing.T) {
	s := New()
	k := seedKey(t, s, "MAIN-001")

	attempts := 0
	err := store.WithRetry(context.Background(), s, 3, func(ctx context.Context, tx store.Tx) error {
		attempts++
		cur, _ := tx.Keys().GetByID(ctx, k.ID)
		if attempts == 1 {
			require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
				o, _ := other.Keys().GetByID(ctx, k.ID)
				o.Type = "interloper"
				return other.Keys().Update(ctx, o)
			}))
		}
		cur.Location = "retried"
		return tx.Keys().Update(ctx, cur)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got := loadKey(t, s, k.ID)
	assert.Equal(t, "retried", got.Location)
	assert.Equal(t, "interloper", got.Type)
}

func TestWithRetry_Exhausted(t *testing.T) {
	s := New()
	err := store.WithRetry(context.Background(), s, 2, func(ctx context.Context, tx store.Tx) error {
		return apperr.New(apperr.KindConcurrentModification, "always")
	})
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
}

func TestAuditRepository_Query(t *testing.T) {
	repo := NewAuditRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		action := audit.ActionKeyCheckout
		if i%2 == 1 {
			action = audit.ActionKeyReturn
		}
		require.NoError(t, repo.Create(ctx, &audit.AuditLog{AuditID: uuid.New(), EntityType: audit.EntityTypeKey, Action: action, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	page, next, err := repo.Query(ctx, audit.QueryFilter{}, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	rest, _, err := repo.Query(ctx, audit.QueryFilter{}, next, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 3)

	counts, err := repo.CountByAction(ctx, base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, counts[audit.ActionKeyCheckout])
	assert.Equal(t, 2, counts[audit.ActionKeyReturn])
}
