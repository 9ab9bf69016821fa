package keystate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Origin names the component asking for a transition.
type Origin string

const (
	OriginDirect     Origin = "direct"
	OriginLifecycle  Origin = "lifecycle"
	OriginWorkflow   Origin = "workflow"
	OriginReconciler Origin = "reconciler"
)

// Context carries who is transitioning a key and on whose behalf.
type Context struct {
	Actor       user.Actor
	Origin      Origin
	Transaction *uuid.UUID
	Request     *uuid.UUID
	ReservedBy  *uuid.UUID
	Note        string
	// Action overrides the audit action derived from the transition.
	Action audit.Action
}

// Machine is the only writer of key status.
type Machine struct {
	reservationTTL time.Duration
	now            func() time.Time
}

func NewMachine(reservationTTL time.Duration, now func() time.Time) *Machine {
	if reservationTTL <= 0 {
		reservationTTL = key.DefaultReservationTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{reservationTTL: reservationTTL, now: now}
}

func (m *Machine) Now() time.Time {
	return m.now()
}

func (m *Machine) ReservationTTL() time.Duration {
	return m.reservationTTL
}

// Transition moves keyID to `to` inside tx. When from is set the stored
// status must equal it. A lapsed reservation is persisted as expired first.
func (m *Machine) Transition(ctx context.Context, tx store.Tx, keyID uuid.UUID, from *key.Status, to key.Status, tc Context, j *journal.Journal) (*key.Key, error) {
	k, err := tx.Keys().GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "key not found: %s", keyID)
	}

	if _, err := m.Expire(ctx, tx, k, tc.Actor, j); err != nil {
		return nil, err
	}

	if from != nil && k.Status != *from {
		return nil, &apperr.Error{
			Kind:    apperr.KindInvalidTransition,
			Message: fmt.Sprintf("key %s is no longer %s", k.Code, *from),
			From:    string(k.Status),
			To:      string(to),
		}
	}

	if tc.Origin == OriginDirect {
		if err := m.guardDirect(ctx, tx, k, to); err != nil {
			return nil, err
		}
	}

	now := m.now()
	before := k.Status
	change := key.Change{
		To:          to,
		Transaction: tc.Transaction,
		Request:     tc.Request,
		ReservedBy:  tc.ReservedBy,
		Note:        tc.Note,
		At:          now,
	}
	if to == key.StatusReserved {
		exp := now.Add(m.reservationTTL)
		change.ExpiresAt = &exp
	}
	if err := k.Apply(change); err != nil {
		return nil, err
	}
	if err := tx.Keys().Update(ctx, k); err != nil {
		return nil, err
	}

	action := tc.Action
	if action == "" {
		action = actionFor(before, to)
	}
	m.record(j, k, action, before, tc, now)
	return k, nil
}

// Expire persists the expiry of a lapsed reservation on an already loaded key.
func (m *Machine) Expire(ctx context.Context, tx store.Tx, k *key.Key, actor user.Actor, j *journal.Journal) (bool, error) {
	now := m.now()
	reqID := k.CurrentRequest
	if !k.ExpireReservation(now) {
		return false, nil
	}
	if err := tx.Keys().Update(ctx, k); err != nil {
		return false, err
	}
	m.record(j, k, audit.ActionKeyExpired, key.StatusReserved, Context{Actor: actor, Origin: OriginReconciler, Request: reqID, Note: "reservation expired"}, now)
	return true, nil
}

func (m *Machine) guardDirect(ctx context.Context, tx store.Tx, k *key.Key, to key.Status) error {
	if k.CurrentTransaction != nil {
		t, err := tx.Transactions().GetByID(ctx, *k.CurrentTransaction)
		if err != nil {
			return err
		}
		if t != nil && t.Status == transaction.StatusActive {
			return apperr.WithIDs(apperr.KindKeyInUse, "key is held by an active transaction", []uuid.UUID{t.ID})
		}
		if t != nil && t.Status == transaction.StatusDraft && t.HasKey(k.ID) {
			return apperr.WithIDs(apperr.KindKeyUnavailable, "key is claimed by a draft transaction", []uuid.UUID{k.ID})
		}
	}
	active, err := tx.Transactions().ListActiveByKey(ctx, k.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		ids := make([]uuid.UUID, 0, len(active))
		for _, t := range active {
			ids = append(ids, t.ID)
		}
		return apperr.WithIDs(apperr.KindKeyInUse, "key is listed by an active transaction", ids)
	}
	if to == key.StatusCheckedOut || to == key.StatusReserved {
		return &apperr.Error{
			Kind:    apperr.KindInvalidTransition,
			Message: "checkouts and reservations go through transactions and requests",
			From:    string(k.Status),
			To:      string(to),
		}
	}
	return nil
}

func (m *Machine) record(j *journal.Journal, k *key.Key, action audit.Action, before key.Status, tc Context, at time.Time) {
	meta := map[string]interface{}{"code": k.Code, "origin": string(tc.Origin)}
	if tc.Transaction != nil {
		meta["transaction"] = tc.Transaction.String()
	}
	if tc.Request != nil {
		meta["request"] = tc.Request.String()
	}
	if tc.Note != "" {
		meta["note"] = tc.Note
	}
	j.Record(&audit.AuditEntry{
		EntityType:  audit.EntityTypeKey,
		EntityID:    k.ID.String(),
		Action:      action,
		Actor:       tc.Actor.ActorString(),
		ActorRole:   string(tc.Actor.Role),
		Description: fmt.Sprintf("key %s %s -> %s", k.Code, before, k.Status),
		OldValues:   map[string]string{"status": string(before)},
		NewValues:   map[string]string{"status": string(k.Status)},
		Metadata:    meta,
		OccurredAt:  at,
	})
	j.Emit(notification.NewEvent(notification.EventKeyUpdated, k.ID, nil, string(k.Status), k))
}

func actionFor(from, to key.Status) audit.Action {
	switch {
	case to == key.StatusCheckedOut:
		return audit.ActionKeyCheckout
	case to == key.StatusLost:
		return audit.ActionKeyLost
	case to == key.StatusReserved:
		return audit.ActionKeyReserved
	case to == key.StatusAvailable && from == key.StatusCheckedOut:
		return audit.ActionKeyReturn
	case to == key.StatusAvailable && from == key.StatusReserved:
		return audit.ActionKeyReleased
	}
	return audit.ActionKeyStatusChange
}
