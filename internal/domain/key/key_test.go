package key

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusAvailable:   {StatusCheckedOut, StatusLost, StatusUnavailable, StatusReserved},
		StatusReserved:    {StatusCheckedOut, StatusAvailable, StatusUnavailable},
		StatusCheckedOut:  {StatusAvailable, StatusLost, StatusUnavailable},
		StatusLost:        {StatusAvailable, StatusUnavailable},
		StatusUnavailable: {StatusAvailable},
	}
	all := []Status{StatusAvailable, StatusReserved, StatusCheckedOut, StatusLost, StatusUnavailable}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestKey_Apply(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	txID := uuid.New()
	reqID := uuid.New()

	t.Run("checkout sets transaction reference", func(t *testing.T) {
		k := NewKey("MAIN-001", "Main door", "master", "Lobby")
		require.NoError(t, k.Apply(Change{To: StatusCheckedOut, Transaction: &txID, At: now}))

		assert.Equal(t, StatusCheckedOut, k.Status)
		require.NotNil(t, k.CurrentTransaction)
		assert.Equal(t, txID, *k.CurrentTransaction)
		require.Len(t, k.History, 1)
		assert.Equal(t, StatusCheckedOut, k.History[0].Status)
		assert.True(t, k.Consistent())
	})

	t.Run("checkout without transaction is rejected", func(t *testing.T) {
		k := NewKey("MAIN-002", "", "", "")
		err := k.Apply(Change{To: StatusCheckedOut, At: now})
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
		assert.Equal(t, StatusAvailable, k.Status)
		assert.Empty(t, k.History)
	})

	t.Run("available clears every reference", func(t *testing.T) {
		k := NewKey("MAIN-003", "", "", "")
		exp := now.Add(DefaultReservationTTL)
		user := uuid.New()
		require.NoError(t, k.Apply(Change{To: StatusReserved, Request: &reqID, ReservedBy: &user, ExpiresAt: &exp, At: now}))
		require.NotNil(t, k.ReservedBy)

		require.NoError(t, k.Apply(Change{To: StatusAvailable, At: now}))
		assert.Nil(t, k.CurrentTransaction)
		assert.Nil(t, k.CurrentRequest)
		assert.Nil(t, k.ReservedBy)
		assert.Nil(t, k.ReservationExpiry)
	})

	t.Run("invalid transition carries both states", func(t *testing.T) {
		k := NewKey("MAIN-004", "", "", "")
		k.Status = StatusUnavailable
		err := k.Apply(Change{To: StatusLost, At: now})

		var appErr *apperr.Error
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "unavailable", appErr.From)
		assert.Equal(t, "lost", appErr.To)
	})

	t.Run("lost clears transaction reference", func(t *testing.T) {
		k := NewKey("MAIN-005", "", "", "")
		require.NoError(t, k.Apply(Change{To: StatusCheckedOut, Transaction: &txID, At: now}))
		require.NoError(t, k.Apply(Change{To: StatusLost, Transaction: &txID, At: now}))
		assert.Nil(t, k.CurrentTransaction)
		assert.True(t, k.Consistent())
	})
}

func TestKey_ReservationExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reqID := uuid.New()
	exp := now.Add(DefaultReservationTTL)

	k := NewKey("LAB-01", "", "", "")
	require.NoError(t, k.Apply(Change{To: StatusReserved, Request: &reqID, ExpiresAt: &exp, At: now}))

	assert.Equal(t, StatusReserved, k.EffectiveStatus(now.Add(time.Hour)))
	assert.False(t, k.Eligible(now.Add(time.Hour)))

	later := now.Add(25 * time.Hour)
	assert.Equal(t, StatusAvailable, k.EffectiveStatus(later))
	assert.True(t, k.Eligible(later))

	view := k.Normalize(later)
	assert.Equal(t, StatusAvailable, view.Status)
	assert.Nil(t, view.CurrentRequest)
	assert.Equal(t, StatusReserved, k.Status, "normalize must not touch the stored record")

	assert.True(t, k.ExpireReservation(later))
	assert.Equal(t, StatusAvailable, k.Status)
	assert.Equal(t, "reservation expired", k.History[len(k.History)-1].Note)
	assert.False(t, k.ExpireReservation(later))
}

func TestKey_StripRequest(t *testing.T) {
	now := time.Now().UTC()
	reqID := uuid.New()
	other := uuid.New()
	exp := now.Add(time.Hour)

	k := NewKey("LAB-02", "", "", "")
	require.NoError(t, k.Apply(Change{To: StatusReserved, Request: &other, ExpiresAt: &exp, At: now}))
	require.NoError(t, k.Apply(Change{To: StatusAvailable, Request: &other, At: now}))
	require.NoError(t, k.Apply(Change{To: StatusReserved, Request: &reqID, ExpiresAt: &exp, At: now}))
	require.NoError(t, k.Apply(Change{To: StatusAvailable, Request: &reqID, At: now}))

	assert.Equal(t, 2, k.StripRequest(reqID))
	assert.False(t, k.ReferencesRequest(reqID))
	assert.True(t, k.ReferencesRequest(other))
	assert.Len(t, k.History, 2)
}

func TestKey_Clone(t *testing.T) {
	txID := uuid.New()
	k := NewKey("LAB-03", "", "", "")
	require.NoError(t, k.Apply(Change{To: StatusCheckedOut, Transaction: &txID, At: time.Now()}))

	c := k.Clone()
	*c.CurrentTransaction = uuid.New()
	c.History[0].Note = "changed"

	assert.Equal(t, txID, *k.CurrentTransaction)
	assert.Empty(t, k.History[0].Note)
}
