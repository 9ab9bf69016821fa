package key

import (
	"context"
	"errors"
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
	appRequest "github.com/keyhub/keyhub/internal/application/request"
	appTransaction "github.com/keyhub/keyhub/internal/application/transaction"
	domain "github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/user"
	"github.com/keyhub/keyhub/internal/infrastructure/memory"
)

type fixture struct {
	svc      *Service
	txns     *appTransaction.Service
	requests *appRequest.Service
	mu       sync.Mutex
	now      time.Time
	admin    user.Actor
	issuer   user.Actor
	holder   user.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	f := &fixture{now: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
	machine := keystate.NewMachine(time.Hour, f.clock)
	exec := journal.NewExecutor(s, journal.NewDispatcher(nil, notification.Nop{}, zerolog.Nop()), store.DefaultMaxAttempts)
	f.svc = NewService(exec, machine, zerolog.Nop())
	f.txns = appTransaction.NewService(exec, machine, 0, zerolog.Nop())
	f.requests = appRequest.NewService(exec, machine, 0, zerolog.Nop())

	holder := &user.User{ID: uuid.New(), Username: "holder", Role: user.RoleUser, Status: user.StatusActive}
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Users().Create(ctx, holder)
	}))
	f.admin = user.Actor{UserID: uuid.New(), Role: user.RoleAdmin}
	f.issuer = user.Actor{UserID: uuid.New(), Role: user.RoleIssuer}
	f.holder = user.Actor{UserID: holder.ID, Role: user.RoleUser}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) create(t *testing.T, code string) *domain.Key {
	t.Helper()
	k, err := f.svc.Create(context.Background(), f.admin, CreateInput{Code: code, Location: "Lobby", Type: "door"})
	require.NoError(t, err)
	return k
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.svc.Create(ctx, f.admin, CreateInput{Code: "  R-101 ", Description: "Room 101"})
	require.NoError(t, err)
	assert.Equal(t, "R-101", k.Code)
	assert.Equal(t, domain.StatusAvailable, k.Status)

	_, err = f.svc.Create(ctx, f.admin, CreateInput{Code: "R-101"})
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	_, err = f.svc.Create(ctx, f.admin, CreateInput{Code: "   "})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "got %v", err)

	_, err = f.svc.Create(ctx, f.issuer, CreateInput{Code: "R-102"})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))

	byCode, err := f.svc.GetByCode(ctx, "R-101")
	require.NoError(t, err)
	assert.Equal(t, k.ID, byCode.ID)
}

func TestListAndGet_ShowLapsedReservationAsAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reserved := f.create(t, "L-1")
	f.create(t, "L-2")

	_, err := f.requests.Create(ctx, f.holder, appRequest.CreateInput{KeyIDs: []uuid.UUID{reserved.ID}})
	require.NoError(t, err)

	status := domain.StatusReserved
	keys, err := f.svc.List(ctx, domain.Filter{Status: &status}, 0, 0)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, reserved.ID, keys[0].ID)

	f.advance(2 * time.Hour)
	keys, err = f.svc.List(ctx, domain.Filter{Status: &status}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, keys)

	got, err := f.svc.Get(ctx, reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, got.Status)
	assert.Nil(t, got.CurrentRequest)

	bad := domain.Status("borrowed")
	_, err = f.svc.List(ctx, domain.Filter{Status: &bad}, 0, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	k := f.create(t, "U-1")

	loc := "Basement"
	updated, err := f.svc.UpdateDetails(context.Background(), f.issuer, k.ID, UpdateInput{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, "Basement", updated.Location)
	assert.Equal(t, "door", updated.Type)

	_, err = f.svc.UpdateDetails(context.Background(), f.holder, k.ID, UpdateInput{Location: &loc})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))
	_, err = f.svc.UpdateDetails(context.Background(), f.issuer, uuid.New(), UpdateInput{Location: &loc})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestTransitionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.create(t, "T-1")

	out, err := f.svc.TransitionStatus(ctx, f.issuer, k.ID, nil, domain.StatusUnavailable, "lock changed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnavailable, out.Status)

	available := domain.StatusAvailable
	_, err = f.svc.TransitionStatus(ctx, f.issuer, k.ID, &available, domain.StatusLost, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = f.svc.TransitionStatus(ctx, f.issuer, k.ID, nil, domain.StatusLost, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "unavailable -> lost is not in the table")

	_, err = f.svc.TransitionStatus(ctx, f.holder, k.ID, nil, domain.StatusAvailable, "")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))

	_, err = f.svc.TransitionStatus(ctx, f.issuer, k.ID, nil, "gone", "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	history, err := f.svc.History(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "lock changed", history[0].Note)
}

func TestTransitionStatus_KeyInActiveTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.create(t, "T-2")

	d, err := f.txns.CreateDraft(ctx, f.issuer, f.holder.UserID)
	require.NoError(t, err)
	_, err = f.txns.AddItems(ctx, f.issuer, d.ID, []uuid.UUID{k.ID})
	require.NoError(t, err)
	_, err = f.txns.Finalize(ctx, f.issuer, d.ID)
	require.NoError(t, err)

	_, err = f.svc.TransitionStatus(ctx, f.admin, k.ID, nil, domain.StatusAvailable, "")
	assert.True(t, errors.Is(err, apperr.ErrKeyInUse), "got %v", err)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := f.create(t, "X-1")
	used := f.create(t, "X-2")
	reserved := f.create(t, "X-3")

	d, err := f.txns.CreateDraft(ctx, f.issuer, f.holder.UserID)
	require.NoError(t, err)
	_, err = f.txns.AddItems(ctx, f.issuer, d.ID, []uuid.UUID{used.ID})
	require.NoError(t, err)
	_, err = f.requests.Create(ctx, f.holder, appRequest.CreateInput{KeyIDs: []uuid.UUID{reserved.ID}})
	require.NoError(t, err)

	assert.True(t, errors.Is(f.svc.Delete(ctx, f.issuer, free.ID), apperr.ErrInsufficientRole))
	assert.True(t, errors.Is(f.svc.Delete(ctx, f.admin, used.ID), apperr.ErrKeyReferenced))
	assert.True(t, errors.Is(f.svc.Delete(ctx, f.admin, reserved.ID), apperr.ErrKeyReferenced))

	// a cancelled draft still lists the key
	_, err = f.txns.Cancel(ctx, f.issuer, d.ID)
	require.NoError(t, err)
	assert.True(t, errors.Is(f.svc.Delete(ctx, f.admin, used.ID), apperr.ErrKeyReferenced))

	require.NoError(t, f.svc.Delete(ctx, f.admin, free.ID))
	_, err = f.svc.Get(ctx, free.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, errors.Is(f.svc.Delete(ctx, f.admin, free.ID), apperr.ErrNotFound))
}
