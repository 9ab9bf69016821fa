package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
	appAudit "github.com/keyhub/keyhub/internal/application/audit"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	appTransaction "github.com/keyhub/keyhub/internal/application/transaction"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/user"
	"github.com/keyhub/keyhub/internal/infrastructure/memory"
)

var clock = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return clock }

func TestActivityAndSummary(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	auditSvc := appAudit.NewService(s.Audit(), zerolog.Nop(), nil)
	exec := journal.NewExecutor(s, journal.NewDispatcher(auditSvc, notification.Nop{}, zerolog.Nop()), store.DefaultMaxAttempts)
	machine := keystate.NewMachine(0, fixedNow)
	txns := appTransaction.NewService(exec, machine, 0, zerolog.Nop())
	svc := NewService(exec, auditSvc, fixedNow, zerolog.Nop())

	holder := &user.User{ID: uuid.New(), Username: "holder", Role: user.RoleUser, Status: user.StatusActive}
	var keys []*key.Key
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Users().Create(ctx, holder); err != nil {
			return err
		}
		for _, code := range []string{"K-1", "K-2", "K-3"} {
			k := key.NewKey(code, "", "", "")
			if err := tx.Keys().Create(ctx, k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	}))

	issuer := user.Actor{UserID: uuid.New(), Role: user.RoleIssuer}
	d, err := txns.CreateDraft(ctx, issuer, holder.ID)
	require.NoError(t, err)
	_, err = txns.AddItems(ctx, issuer, d.ID, []uuid.UUID{keys[0].ID, keys[1].ID})
	require.NoError(t, err)
	_, err = txns.Finalize(ctx, issuer, d.ID)
	require.NoError(t, err)
	_, err = txns.ReturnItem(ctx, issuer, d.ID, keys[0].ID)
	require.NoError(t, err)
	auditSvc.Wait()

	summary, err := svc.KeyStatusSummary(ctx, issuer)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[key.StatusAvailable])
	assert.Equal(t, 1, summary.ByStatus[key.StatusCheckedOut])
	assert.Equal(t, 0, summary.ByStatus[key.StatusLost])

	activity, err := svc.Activity(ctx, issuer, clock.Add(-time.Hour), clock.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, activity.Transactions, 1)
	assert.Equal(t, 2, activity.Checkouts)
	assert.Equal(t, 1, activity.Returns)
	assert.Equal(t, 0, activity.Lost)
	assert.Equal(t, 2, activity.Actions[audit.ActionKeyCheckout])
	assert.Equal(t, 1, activity.Actions[audit.ActionKeyReturn])

	earlier, err := svc.Activity(ctx, issuer, clock.Add(-48*time.Hour), clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, earlier.Transactions)
	assert.Zero(t, earlier.Actions[audit.ActionKeyCheckout])
}

func TestActivity_Rejects(t *testing.T) {
	s := memory.New()
	exec := journal.NewExecutor(s, nil, store.DefaultMaxAttempts)
	svc := NewService(exec, s.Audit(), fixedNow, zerolog.Nop())

	_, err := svc.Activity(context.Background(), user.Actor{UserID: uuid.New(), Role: user.RoleUser}, clock, clock)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))

	_, err = svc.Activity(context.Background(), user.SystemActor, clock, clock.Add(-time.Minute))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = svc.KeyStatusSummary(context.Background(), user.Actor{UserID: uuid.New(), Role: user.RoleUser})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))
}

func TestTrends(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	exec := journal.NewExecutor(s, nil, store.DefaultMaxAttempts)
	current := clock.AddDate(0, 0, -2)
	now := func() time.Time { return current }
	txns := appTransaction.NewService(exec, keystate.NewMachine(0, now), 0, zerolog.Nop())
	svc := NewService(exec, nil, now, zerolog.Nop())

	holder := &user.User{ID: uuid.New(), Username: "holder", Role: user.RoleUser, Status: user.StatusActive}
	var keys []*key.Key
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Users().Create(ctx, holder); err != nil {
			return err
		}
		for _, code := range []string{"T-1", "T-2", "T-3"} {
			k := key.NewKey(code, "", "", "")
			if err := tx.Keys().Create(ctx, k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	}))

	issuer := user.Actor{UserID: uuid.New(), Role: user.RoleIssuer}
	checkout := func(ids ...uuid.UUID) {
		d, err := txns.CreateDraft(ctx, issuer, holder.ID)
		require.NoError(t, err)
		_, err = txns.AddItems(ctx, issuer, d.ID, ids)
		require.NoError(t, err)
		_, err = txns.Finalize(ctx, issuer, d.ID)
		require.NoError(t, err)
	}
	checkout(keys[0].ID, keys[1].ID)
	current = clock
	checkout(keys[2].ID)
	open, err := txns.CreateDraft(ctx, issuer, holder.ID)
	require.NoError(t, err)

	trends, err := svc.Trends(ctx, issuer, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, trends.Days)
	assert.Equal(t, []DailyCount{
		{Date: "2026-03-31", Transactions: 1, Keys: 2},
		{Date: "2026-04-01"},
		{Date: "2026-04-02", Transactions: 1, Keys: 1},
	}, trends.Daily)
	require.Len(t, trends.Recent, 3)
	assert.Equal(t, open.ID, trends.Recent[0].ID)

	narrow, err := svc.Trends(ctx, issuer, 1)
	require.NoError(t, err)
	assert.Equal(t, []DailyCount{{Date: "2026-04-02", Transactions: 1, Keys: 1}}, narrow.Daily)

	defaults, err := svc.Trends(ctx, issuer, 0)
	require.NoError(t, err)
	require.Len(t, defaults.Daily, DefaultTrendDays)
	assert.Equal(t, "2026-04-02", defaults.Daily[DefaultTrendDays-1].Date)
	assert.Equal(t, 2, defaults.Daily[DefaultTrendDays-3].Keys)
}

func TestTrends_Rejects(t *testing.T) {
	s := memory.New()
	svc := NewService(journal.NewExecutor(s, nil, store.DefaultMaxAttempts), nil, fixedNow, zerolog.Nop())

	_, err := svc.Trends(context.Background(), user.Actor{UserID: uuid.New(), Role: user.RoleUser}, 7)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRole))

	_, err = svc.Trends(context.Background(), user.SystemActor, 400)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
