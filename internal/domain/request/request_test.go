package request

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/apperr"
)

func TestRequest_Approve(t *testing.T) {
	k := uuid.New()
	r := NewRequest(uuid.New(), []uuid.UUID{k}, nil, "  lab access ")
	assert.Equal(t, "lab access", r.Purpose)
	assert.True(t, r.HasKey(k))

	issuer, txID := uuid.New(), uuid.New()
	require.NoError(t, r.Approve(issuer, txID, time.Now()))
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, issuer, *r.IssuerID)
	assert.Equal(t, txID, *r.TransactionID)

	err := r.Approve(issuer, txID, time.Now())
	assert.True(t, errors.Is(err, apperr.ErrRequestNotPending))

	assert.True(t, r.Complete(time.Now()))
	assert.Equal(t, StatusCompleted, r.Status)
	assert.False(t, r.Complete(time.Now()))
}

func TestRequest_ApproveEmpty(t *testing.T) {
	r := NewRequest(uuid.New(), nil, nil, "nothing")
	err := r.Approve(uuid.New(), uuid.New(), time.Now())
	assert.True(t, errors.Is(err, apperr.ErrEmptyRequest))
	assert.Equal(t, StatusPending, r.Status)
}

func TestRequest_Reject(t *testing.T) {
	r := NewRequest(uuid.New(), []uuid.UUID{uuid.New()}, nil, "x")
	require.NoError(t, r.Reject(uuid.New(), time.Now()))
	assert.Equal(t, StatusRejected, r.Status)
	assert.False(t, r.Complete(time.Now()))
	assert.True(t, errors.Is(r.Reject(uuid.New(), time.Now()), apperr.ErrRequestNotPending))
}

func TestRequest_MessagesAndClone(t *testing.T) {
	r := NewRequest(uuid.New(), []uuid.UUID{uuid.New()}, []PreferredDate{{Date: "2026-02-01", TimeSlot: "morning"}}, "x")
	r.AddMessage(r.UserID, " please ", time.Now())

	c := r.Clone()
	c.Messages[0].Content = "changed"
	c.KeyIDs[0] = uuid.New()

	assert.Equal(t, "please", r.Messages[0].Content)
	assert.NotEqual(t, c.KeyIDs[0], r.KeyIDs[0])
}
