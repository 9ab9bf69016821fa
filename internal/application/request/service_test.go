package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	domain "github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
	"github.com/keyhub/keyhub/internal/infrastructure/memory"
)

type fixture struct {
	store     *memory.Store
	svc       *Service
	now       time.Time
	requester user.Actor
	issuer    user.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)}
	machine := keystate.NewMachine(24*time.Hour, func() time.Time { return f.now })
	exec := journal.NewExecutor(f.store, journal.NewDispatcher(nil, notification.Nop{}, zerolog.Nop()), store.DefaultMaxAttempts)
	f.svc = NewService(exec, machine, 48*time.Hour, zerolog.Nop())

	requester := &user.User{ID: uuid.New(), Username: "requester", Role: user.RoleUser, Status: user.StatusActive}
	issuer := &user.User{ID: uuid.New(), Username: "issuer", Role: user.RoleIssuer, Status: user.StatusActive}
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.Users().Create(ctx, requester); err != nil {
			return err
		}
		return tx.Users().Create(ctx, issuer)
	}))
	f.requester = user.Actor{UserID: requester.ID, Role: user.RoleUser}
	f.issuer = user.Actor{UserID: issuer.ID, Role: user.RoleIssuer}
	return f
}

func (f *fixture) seedKey(t *testing.T, code string) *key.Key {
	t.Helper()
	k := key.NewKey(code, "", "", "")
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Keys().Create(ctx, k)
	}))
	return k
}

func (f *fixture) key(t *testing.T, id uuid.UUID) *key.Key {
	t.Helper()
	var out *key.Key
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Keys().GetByID(ctx, id)
		return err
	}))
	require.NotNil(t, out)
	return out
}

func (f *fixture) create(t *testing.T, keyIDs ...uuid.UUID) *domain.Request {
	t.Helper()
	r, err := f.svc.Create(context.Background(), f.requester, CreateInput{
		KeyIDs:         keyIDs,
		PreferredDates: []domain.PreferredDate{{Date: "2026-04-07", TimeSlot: "morning"}},
		Purpose:        "boiler inspection",
	})
	require.NoError(t, err)
	return r
}

func TestCreate_ReservesKeys(t *testing.T) {
	f := newFixture(t)
	k1 := f.seedKey(t, "K1")
	k2 := f.seedKey(t, "K2")

	r := f.create(t, k1.ID, k2.ID, k1.ID)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, []uuid.UUID{k1.ID, k2.ID}, r.KeyIDs)

	for _, id := range []uuid.UUID{k1.ID, k2.ID} {
		k := f.key(t, id)
		assert.Equal(t, key.StatusReserved, k.Status)
		require.NotNil(t, k.CurrentRequest)
		assert.Equal(t, r.ID, *k.CurrentRequest)
		require.NotNil(t, k.ReservedBy)
		assert.Equal(t, f.requester.UserID, *k.ReservedBy)
		require.NotNil(t, k.ReservationExpiry)
		assert.Equal(t, f.now.Add(24*time.Hour), *k.ReservationExpiry)
		assert.True(t, k.ReferencesRequest(r.ID))
	}
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.seedKey(t, "K1")
	f.create(t, k.ID)

	_, err := f.svc.Create(ctx, f.requester, CreateInput{})
	assert.True(t, errors.Is(err, apperr.ErrEmptyRequest))

	missing := uuid.New()
	_, err = f.svc.Create(ctx, f.requester, CreateInput{KeyIDs: []uuid.UUID{k.ID, missing}})
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindKeysUnavailable, appErr.Kind)
	assert.Equal(t, []string{k.ID.String(), missing.String()}, appErr.IDs)

	other := f.seedKey(t, "K2")
	_, err = f.svc.Create(ctx, f.requester, CreateInput{
		KeyIDs:         []uuid.UUID{other.ID},
		PreferredDates: []domain.PreferredDate{{Date: "next tuesday", TimeSlot: "am"}},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, key.StatusAvailable, f.key(t, other.ID).Status)

	_, err = f.svc.Create(ctx, user.Actor{UserID: uuid.New(), Role: user.RoleUser}, CreateInput{KeyIDs: []uuid.UUID{other.ID}})
	assert.True(t, errors.Is(err, apperr.ErrUserNotFound))
}

func TestReject_ReleasesAndStripsHistory(t *testing.T) {
	f := newFixture(t)
	k1 := f.seedKey(t, "K1")
	k2 := f.seedKey(t, "K2")
	r := f.create(t, k1.ID, k2.ID)

	rejected, err := f.svc.Reject(context.Background(), f.issuer, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.IssuerID)
	assert.Equal(t, f.issuer.UserID, *rejected.IssuerID)

	for _, id := range []uuid.UUID{k1.ID, k2.ID} {
		k := f.key(t, id)
		assert.Equal(t, key.StatusAvailable, k.Status)
		assert.Nil(t, k.CurrentRequest)
		assert.Nil(t, k.ReservationExpiry)
		assert.False(t, k.ReferencesRequest(r.ID))
	}

	_, err = f.svc.Reject(context.Background(), f.issuer, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrRequestNotPending))
}

func TestReject_LapsedReservation(t *testing.T) {
	f := newFixture(t)
	k := f.seedKey(t, "K1")
	r := f.create(t, k.ID)
	f.now = f.now.Add(25 * time.Hour)

	_, err := f.svc.Reject(context.Background(), f.issuer, r.ID)
	require.NoError(t, err)
	got := f.key(t, k.ID)
	assert.Equal(t, key.StatusAvailable, got.Status)
	assert.False(t, got.ReferencesRequest(r.ID))
}

func TestApprove_ChecksOutReservedKeys(t *testing.T) {
	f := newFixture(t)
	k1 := f.seedKey(t, "K1")
	k2 := f.seedKey(t, "K2")
	r := f.create(t, k1.ID, k2.ID)

	approved, txn, err := f.svc.Approve(context.Background(), f.issuer, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.TransactionID)
	assert.Equal(t, txn.ID, *approved.TransactionID)

	assert.Equal(t, transaction.StatusActive, txn.Status)
	assert.Equal(t, transaction.SourceRequest, txn.Source)
	assert.Equal(t, f.requester.UserID, txn.UserID)
	assert.Equal(t, f.issuer.UserID, txn.IssuerID)
	require.NotNil(t, txn.DueDate)
	assert.Equal(t, f.now.Add(48*time.Hour), *txn.DueDate)

	for _, id := range []uuid.UUID{k1.ID, k2.ID} {
		k := f.key(t, id)
		assert.Equal(t, key.StatusCheckedOut, k.Status)
		require.NotNil(t, k.CurrentTransaction)
		assert.Equal(t, txn.ID, *k.CurrentTransaction)
		assert.Nil(t, k.CurrentRequest)
	}

	_, _, err = f.svc.Approve(context.Background(), f.issuer, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrRequestNotPending))
}

func TestApprove_ExpiredButFreeKey(t *testing.T) {
	f := newFixture(t)
	k := f.seedKey(t, "K1")
	r := f.create(t, k.ID)
	f.now = f.now.Add(30 * time.Hour)

	_, txn, err := f.svc.Approve(context.Background(), f.issuer, r.ID)
	require.NoError(t, err)
	got := f.key(t, k.ID)
	assert.Equal(t, key.StatusCheckedOut, got.Status)
	assert.Equal(t, txn.ID, *got.CurrentTransaction)
}

func TestApprove_KeyTakenAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.seedKey(t, "K1")
	r := f.create(t, k.ID)
	f.now = f.now.Add(30 * time.Hour)

	// another draft claims the key once the reservation lapsed
	draft := transaction.NewDraft(99, f.requester.UserID, f.issuer.UserID)
	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, _ := tx.Keys().GetByID(ctx, k.ID)
		cur.ExpireReservation(f.now)
		if err := cur.Claim(draft.ID, f.now); err != nil {
			return err
		}
		require.NoError(t, draft.AddItems([]uuid.UUID{k.ID}, f.now))
		if err := tx.Transactions().Create(ctx, draft); err != nil {
			return err
		}
		return tx.Keys().Update(ctx, cur)
	}))

	_, _, err := f.svc.Approve(ctx, f.issuer, r.ID)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindKeysUnavailable, appErr.Kind)
	assert.Equal(t, []string{k.ID.String()}, appErr.IDs)

	got, err := f.svc.Get(ctx, f.issuer, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestApproveAndReject_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		k1 := f.seedKey(t, fmt.Sprintf("A-%03d", round))
		k2 := f.seedKey(t, fmt.Sprintf("B-%03d", round))
		r := f.create(t, k1.ID, k2.ID)

		var (
			wg         sync.WaitGroup
			start      = make(chan struct{})
			approveErr error
			rejectErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, _, approveErr = f.svc.Approve(ctx, f.issuer, r.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, rejectErr = f.svc.Reject(ctx, f.issuer, r.ID)
		}()
		close(start)
		wg.Wait()

		require.True(t, (approveErr == nil) != (rejectErr == nil), "round %d: approve=%v reject=%v", round, approveErr, rejectErr)
		for _, err := range []error{approveErr, rejectErr} {
			if err != nil {
				assert.True(t, errors.Is(err, apperr.ErrRequestNotPending) || errors.Is(err, apperr.ErrConcurrentModification), err.Error())
			}
		}

		got, err := f.svc.Get(ctx, f.issuer, r.ID)
		require.NoError(t, err)
		var txns []*transaction.Transaction
		require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			txns, err = tx.Transactions().List(ctx, transaction.Filter{UserID: &f.requester.UserID}, 0, 0)
			return err
		}))

		for _, id := range []uuid.UUID{k1.ID, k2.ID} {
			k := f.key(t, id)
			assert.Nil(t, k.CurrentRequest)
			if approveErr == nil {
				assert.Equal(t, key.StatusCheckedOut, k.Status)
				require.NotNil(t, got.TransactionID)
				require.NotNil(t, k.CurrentTransaction)
				assert.Equal(t, *got.TransactionID, *k.CurrentTransaction)
			} else {
				assert.Equal(t, key.StatusAvailable, k.Status)
				assert.Nil(t, k.CurrentTransaction)
				assert.False(t, k.ReferencesRequest(r.ID))
			}
		}
		if approveErr == nil {
			assert.Equal(t, domain.StatusApproved, got.Status)
		} else {
			assert.Equal(t, domain.StatusRejected, got.Status)
			assert.Nil(t, got.TransactionID)
		}

		created := 0
		for _, txn := range txns {
			if txn.RelatedRequest != nil && *txn.RelatedRequest == r.ID {
				created++
			}
		}
		if approveErr == nil {
			assert.Equal(t, 1, created)
		} else {
			assert.Zero(t, created)
		}
	}
}

func TestApprove_RequiresStaff(t *testing.T) {
	f := newFixture(t)
	k := f.seedKey(t, "K1")
	r := f.create(t, k.ID)

	_, _, err := f.svc.Approve(context.Background(), f.requester, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))
	_, err = f.svc.ListPending(context.Background(), f.requester, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))
}

func TestMessagesAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.seedKey(t, "K1")
	r := f.create(t, k.ID)

	updated, err := f.svc.AddMessage(ctx, f.requester, r.ID, MessageInput{Content: "  can I pick up at 7?  "})
	require.NoError(t, err)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, "can I pick up at 7?", updated.Messages[0].Content)

	_, err = f.svc.AddMessage(ctx, f.issuer, r.ID, MessageInput{Content: "   "})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	stranger := user.Actor{UserID: uuid.New(), Role: user.RoleUser}
	_, err = f.svc.AddMessage(ctx, stranger, r.ID, MessageInput{Content: "hi"})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))
	_, err = f.svc.Get(ctx, stranger, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))

	mine, err := f.svc.ListForUser(ctx, f.requester, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	pending, err := f.svc.ListPending(ctx, f.issuer, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)
}
