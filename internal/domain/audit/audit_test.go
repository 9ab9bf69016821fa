package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuditLog(t *testing.T) {
	at := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	log, err := NewAuditLog(&AuditEntry{
		EntityType:  EntityTypeKey,
		EntityID:    "MAIN-001",
		Action:      ActionKeyLost,
		Actor:       "issuer:abc",
		Description: "key marked lost",
		OldValues:   map[string]string{"status": "checked-out"},
		NewValues:   map[string]string{"status": "lost"},
		Metadata:    map[string]interface{}{"transaction": "TXN-000001"},
		OccurredAt:  at,
	})
	require.NoError(t, err)

	assert.Equal(t, RiskLevelHigh, log.RiskLevel)
	assert.Equal(t, at, log.CreatedAt)
	assert.JSONEq(t, `{"status":"checked-out"}`, string(log.OldValues))
	assert.JSONEq(t, `{"status":"lost"}`, string(log.NewValues))
	assert.JSONEq(t, `{"transaction":"TXN-000001"}`, string(log.Metadata))
}

func TestDetermineRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLevelCritical, DetermineRiskLevel(EntityTypeTransaction, ActionTransactionDelete))
	assert.Equal(t, RiskLevelHigh, DetermineRiskLevel(EntityTypeKey, ActionReconcileRepair))
	assert.Equal(t, RiskLevelMedium, DetermineRiskLevel(EntityTypeKey, ActionKeyStatusChange))
	assert.Equal(t, RiskLevelHigh, DetermineRiskLevel(EntityTypeUser, ActionUserModified))
	assert.Equal(t, RiskLevelLow, DetermineRiskLevel(EntityTypeKey, ActionKeyCheckout))
}

func TestSignature(t *testing.T) {
	log, err := NewAuditLog(&AuditEntry{EntityType: EntityTypeKey, EntityID: "K1", Action: ActionKeyReturn, Actor: "system"})
	require.NoError(t, err)
	key := []byte("0123456789abcdef")

	ok, err := VerifyAuditLogSignature(log, key)
	require.NoError(t, err)
	assert.False(t, ok, "unsigned log must not verify")

	log.Signature, err = SignAuditLog(log, key)
	require.NoError(t, err)
	ok, err = VerifyAuditLogSignature(log, key)
	require.NoError(t, err)
	assert.True(t, ok)

	log.Description = "tampered"
	ok, err = VerifyAuditLogSignature(log, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
