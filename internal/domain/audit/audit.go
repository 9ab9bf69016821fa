package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity being audited
type EntityType string

const (
	EntityTypeKey         EntityType = "KEY"
	EntityTypeTransaction EntityType = "TRANSACTION"
	EntityTypeRequest     EntityType = "REQUEST"
	EntityTypeUser        EntityType = "USER"
)

// Action represents the type of action being audited
type Action string

const (
	ActionKeyCheckout         Action = "key_checkout"
	ActionKeyReturn           Action = "key_return"
	ActionKeyLost             Action = "key_lost"
	ActionKeyStatusChange     Action = "key_status_change"
	ActionKeyReserved         Action = "key_reserved"
	ActionKeyReleased         Action = "key_released"
	ActionKeyExpired          Action = "key_expired"
	ActionKeyCreated          Action = "key_created"
	ActionKeyUpdated          Action = "key_updated"
	ActionKeyDeleted          Action = "key_deleted"
	ActionTransactionCreate   Action = "transaction_create"
	ActionTransactionUpdate   Action = "transaction_update"
	ActionTransactionComplete Action = "transaction_complete"
	ActionTransactionCancel   Action = "transaction_cancel"
	ActionTransactionDelete   Action = "transaction_delete"
	ActionRequestCreate       Action = "request_create"
	ActionRequestApprove      Action = "request_approve"
	ActionRequestReject       Action = "request_reject"
	ActionRequestMessage      Action = "request_message"
	ActionReconcileRepair     Action = "reconcile_repair"
	ActionUserCreated         Action = "user_created"
	ActionUserModified        Action = "user_modified"
)

// RiskLevel represents the risk classification of an operation
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// AuditLog represents a stored audit log entry
type AuditLog struct {
	ID          int64           `json:"id"`
	AuditID     uuid.UUID       `json:"auditId"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Action      Action          `json:"action"`
	Actor       string          `json:"actor"`
	ActorRole   string          `json:"actorRole,omitempty"`
	Description string          `json:"description"`
	OldValues   json.RawMessage `json:"oldValues,omitempty"`
	NewValues   json.RawMessage `json:"newValues,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RiskLevel   RiskLevel       `json:"riskLevel"`
	Signature   []byte          `json:"signature,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AuditEntry is the fact emitted by the core after a committed change.
type AuditEntry struct {
	EntityType  EntityType
	EntityID    string
	Action      Action
	Actor       string
	ActorRole   string
	Description string
	OldValues   interface{}
	NewValues   interface{}
	Metadata    map[string]interface{}
	OccurredAt  time.Time
}

// QueryFilter represents filters for querying audit logs
type QueryFilter struct {
	EntityType *EntityType
	EntityID   *string
	Action     *Action
	Actor      *string
	RiskLevel  *RiskLevel
	StartTime  *time.Time
	EndTime    *time.Time
}

// Cursor represents a pagination cursor for audit logs
type Cursor struct {
	CreatedAt time.Time `json:"ts"`
	ID        int64     `json:"id"`
}

// Repository defines the interface for audit log persistence
type Repository interface {
	Create(ctx context.Context, entry *AuditLog) error
	GetByID(ctx context.Context, auditID uuid.UUID) (*AuditLog, error)
	// Query returns logs newest first with cursor-based pagination
	Query(ctx context.Context, filter QueryFilter, cursor *Cursor, limit int) ([]*AuditLog, *Cursor, error)
	GetByEntityID(ctx context.Context, entityType EntityType, entityID string) ([]*AuditLog, error)
	// CountByAction counts logs per action within [start, end]
	CountByAction(ctx context.Context, start, end time.Time) (map[Action]int, error)
}

// DetermineRiskLevel determines the risk level based on entity type and action
func DetermineRiskLevel(entityType EntityType, action Action) RiskLevel {
	switch action {
	case ActionKeyDeleted, ActionTransactionDelete:
		return RiskLevelCritical
	case ActionKeyLost, ActionReconcileRepair:
		return RiskLevelHigh
	case ActionKeyStatusChange, ActionRequestReject, ActionTransactionCancel:
		return RiskLevelMedium
	}
	if entityType == EntityTypeUser {
		return RiskLevelHigh
	}
	return RiskLevelLow
}

// NewAuditLog creates a new AuditLog from an AuditEntry
func NewAuditLog(entry *AuditEntry) (*AuditLog, error) {
	created := entry.OccurredAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	log := &AuditLog{
		AuditID:     uuid.New(),
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Action:      entry.Action,
		Actor:       entry.Actor,
		ActorRole:   entry.ActorRole,
		Description: entry.Description,
		RiskLevel:   DetermineRiskLevel(entry.EntityType, entry.Action),
		CreatedAt:   created.UTC().Truncate(time.Microsecond),
	}

	if entry.OldValues != nil {
		data, err := json.Marshal(entry.OldValues)
		if err != nil {
			return nil, err
		}
		log.OldValues = data
	}
	if entry.NewValues != nil {
		data, err := json.Marshal(entry.NewValues)
		if err != nil {
			return nil, err
		}
		log.NewValues = data
	}
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, err
		}
		log.Metadata = data
	}

	return log, nil
}
