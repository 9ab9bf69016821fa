package keystate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
	"github.com/keyhub/keyhub/internal/infrastructure/memory"
)

var admin = user.Actor{UserID: uuid.New(), Role: user.RoleAdmin}

type fixture struct {
	store   *memory.Store
	machine *Machine
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.machine = NewMachine(time.Hour, func() time.Time { return f.now })
	return f
}

func (f *fixture) seed(t *testing.T, code string) *key.Key {
	t.Helper()
	k := key.NewKey(code, "", "", "")
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Keys().Create(ctx, k)
	}))
	return k
}

func (f *fixture) transition(keyID uuid.UUID, from *key.Status, to key.Status, tc Context) (*key.Key, *journal.Journal, error) {
	j := &journal.Journal{}
	var out *key.Key
	err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = f.machine.Transition(ctx, tx, keyID, from, to, tc, j)
		return err
	})
	return out, j, err
}

func statusPtr(s key.Status) *key.Status { return &s }

func TestTransition_Direct(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")

	got, j, err := f.transition(k.ID, statusPtr(key.StatusAvailable), key.StatusLost, Context{Actor: admin, Origin: OriginDirect})
	require.NoError(t, err)
	assert.Equal(t, key.StatusLost, got.Status)
	require.Len(t, got.History, 1)
	require.Len(t, j.Entries(), 1)
	assert.Equal(t, audit.ActionKeyLost, j.Entries()[0].Action)
	assert.Len(t, j.Events(), 1)
}

func TestTransition_TableRejects(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")
	_, _, err := f.transition(k.ID, nil, key.StatusUnavailable, Context{Actor: admin, Origin: OriginDirect})
	require.NoError(t, err)

	_, _, err = f.transition(k.ID, nil, key.StatusLost, Context{Actor: admin, Origin: OriginDirect})
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindInvalidTransition, appErr.Kind)
	assert.Equal(t, "unavailable", appErr.From)
	assert.Equal(t, "lost", appErr.To)
}

func TestTransition_DirectCannotCheckOutOrReserve(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")

	for _, to := range []key.Status{key.StatusCheckedOut, key.StatusReserved} {
		_, _, err := f.transition(k.ID, nil, to, Context{Actor: admin, Origin: OriginDirect})
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), to)
	}
}

func TestTransition_ExpectedStatusMismatch(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")

	_, _, err := f.transition(k.ID, statusPtr(key.StatusCheckedOut), key.StatusAvailable, Context{Actor: admin, Origin: OriginDirect})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestTransition_NotFound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.transition(uuid.New(), nil, key.StatusLost, Context{Actor: admin, Origin: OriginDirect})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestTransition_KeyInUseByActiveTransaction(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")

	txn := transaction.NewDraft(1, uuid.New(), admin.UserID)
	txn.Items = []transaction.Item{{KeyID: k.ID, Status: transaction.ItemPending}}
	require.NoError(t, txn.Activate(admin.UserID, f.now, time.Hour))
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Transactions().Create(ctx, txn)
	}))

	_, _, err := f.transition(k.ID, nil, key.StatusCheckedOut, Context{Actor: admin, Origin: OriginLifecycle, Transaction: &txn.ID})
	require.NoError(t, err)

	_, _, err = f.transition(k.ID, nil, key.StatusAvailable, Context{Actor: admin, Origin: OriginDirect})
	assert.True(t, errors.Is(err, apperr.ErrKeyInUse))

	// the lifecycle manager may still move it
	got, j, err := f.transition(k.ID, statusPtr(key.StatusCheckedOut), key.StatusAvailable, Context{Actor: admin, Origin: OriginLifecycle, Transaction: &txn.ID})
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTransaction)
	assert.Equal(t, audit.ActionKeyReturn, j.Entries()[0].Action)
}

func TestTransition_DraftClaimBlocksDirectWrites(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")

	draft := transaction.NewDraft(1, uuid.New(), admin.UserID)
	require.NoError(t, draft.AddItems([]uuid.UUID{k.ID}, f.now))
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.Transactions().Create(ctx, draft); err != nil {
			return err
		}
		cur, _ := tx.Keys().GetByID(ctx, k.ID)
		if err := cur.Claim(draft.ID, f.now); err != nil {
			return err
		}
		return tx.Keys().Update(ctx, cur)
	}))

	_, _, err := f.transition(k.ID, nil, key.StatusUnavailable, Context{Actor: admin, Origin: OriginDirect})
	assert.True(t, errors.Is(err, apperr.ErrKeyUnavailable))
}

func TestTransition_PersistsLapsedReservation(t *testing.T) {
	f := newFixture(t)
	k := f.seed(t, "MAIN-001")
	reqID := uuid.New()

	reserved, _, err := f.transition(k.ID, nil, key.StatusReserved, Context{Actor: admin, Origin: OriginWorkflow, Request: &reqID, ReservedBy: &admin.UserID})
	require.NoError(t, err)
	require.NotNil(t, reserved.ReservationExpiry)
	assert.Equal(t, f.now.Add(time.Hour), *reserved.ReservationExpiry)

	f.now = f.now.Add(2 * time.Hour)

	got, j, err := f.transition(k.ID, statusPtr(key.StatusAvailable), key.StatusUnavailable, Context{Actor: admin, Origin: OriginDirect})
	require.NoError(t, err)
	assert.Equal(t, key.StatusUnavailable, got.Status)
	require.Len(t, got.History, 3)
	assert.Equal(t, key.StatusAvailable, got.History[1].Status)
	require.Len(t, j.Entries(), 2)
	assert.Equal(t, audit.ActionKeyExpired, j.Entries()[0].Action)
	assert.Equal(t, audit.ActionKeyStatusChange, j.Entries()[1].Action)
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, audit.ActionKeyReleased, actionFor(key.StatusReserved, key.StatusAvailable))
	assert.Equal(t, audit.ActionKeyReturn, actionFor(key.StatusCheckedOut, key.StatusAvailable))
	assert.Equal(t, audit.ActionKeyStatusChange, actionFor(key.StatusLost, key.StatusAvailable))
}
