package key

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
)

// Status represents key status.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusReserved    Status = "reserved"
	StatusCheckedOut  Status = "checked-out"
	StatusLost        Status = "lost"
	StatusUnavailable Status = "unavailable"
)

// DefaultReservationTTL is how long a reservation holds a key.
const DefaultReservationTTL = 24 * time.Hour

var transitions = map[Status][]Status{
	StatusAvailable:   {StatusCheckedOut, StatusLost, StatusUnavailable, StatusReserved},
	StatusReserved:    {StatusCheckedOut, StatusAvailable, StatusUnavailable},
	StatusCheckedOut:  {StatusAvailable, StatusLost, StatusUnavailable},
	StatusLost:        {StatusAvailable, StatusUnavailable},
	StatusUnavailable: {StatusAvailable},
}

// ValidateStatus checks that s is a known status.
func ValidateStatus(s Status) error {
	if _, ok := transitions[s]; !ok {
		return apperr.Newf(apperr.KindValidation, "invalid key status %q", s)
	}
	return nil
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HistoryEntry is one line of a key's transaction history.
type HistoryEntry struct {
	ID          int64      `json:"id,omitempty"`
	Transaction *uuid.UUID `json:"transaction,omitempty"`
	Request     *uuid.UUID `json:"request,omitempty"`
	Status      Status     `json:"status"`
	Note        string     `json:"note,omitempty"`
	RecordedAt  time.Time  `json:"recordedAt"`
}

// Key represents a physical key.
type Key struct {
	ID                 uuid.UUID      `json:"id"`
	Code               string         `json:"code"`
	Description        string         `json:"description"`
	Type               string         `json:"type"`
	Location           string         `json:"location"`
	Status             Status         `json:"status"`
	ReservationExpiry  *time.Time     `json:"reservationExpiry,omitempty"`
	ReservedBy         *uuid.UUID     `json:"reservedBy,omitempty"`
	CurrentRequest     *uuid.UUID     `json:"currentRequest,omitempty"`
	CurrentTransaction *uuid.UUID     `json:"currentTransaction,omitempty"`
	History            []HistoryEntry `json:"history,omitempty"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// NewKey creates an available key.
func NewKey(code, description, keyType, location string) *Key {
	now := time.Now().UTC()
	return &Key{
		ID:          uuid.New(),
		Code:        strings.TrimSpace(code),
		Description: description,
		Type:        keyType,
		Location:    location,
		Status:      StatusAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ReservationExpired reports whether a reservation has lapsed at now.
func (k *Key) ReservationExpired(now time.Time) bool {
	return k.Status == StatusReserved && k.ReservationExpiry != nil && !now.Before(*k.ReservationExpiry)
}

// EffectiveStatus is the status every read path reports.
func (k *Key) EffectiveStatus(now time.Time) Status {
	if k.ReservationExpired(now) {
		return StatusAvailable
	}
	return k.Status
}

// Normalize returns a copy with a lapsed reservation shown as available.
// The stored record is corrected on the next write.
func (k *Key) Normalize(now time.Time) *Key {
	out := k.Clone()
	if k.ReservationExpired(now) {
		out.Status = StatusAvailable
		out.ReservationExpiry = nil
		out.ReservedBy = nil
		out.CurrentRequest = nil
	}
	return out
}

// IsClaimed reports whether some transaction holds a reference to the key.
func (k *Key) IsClaimed() bool {
	return k.CurrentTransaction != nil
}

// Eligible reports whether the key may join a draft or a request at now.
func (k *Key) Eligible(now time.Time) bool {
	return k.EffectiveStatus(now) == StatusAvailable && !k.IsClaimed()
}

// Consistent reports whether status and transaction reference agree.
func (k *Key) Consistent() bool {
	return (k.Status == StatusCheckedOut) == (k.CurrentTransaction != nil)
}

// Change describes a requested status transition.
type Change struct {
	To          Status
	Transaction *uuid.UUID
	Request     *uuid.UUID
	ReservedBy  *uuid.UUID
	ExpiresAt   *time.Time
	Note        string
	At          time.Time
}

// Apply validates c against the transition table and mutates the key.
func (k *Key) Apply(c Change) error {
	if !CanTransition(k.Status, c.To) {
		return apperr.Transition(string(k.Status), string(c.To))
	}

	switch c.To {
	case StatusCheckedOut:
		if c.Transaction == nil {
			return &apperr.Error{Kind: apperr.KindInvalidTransition, Message: "checked-out requires an owning transaction", From: string(k.Status), To: string(c.To)}
		}
		k.clearReferences()
		txID := *c.Transaction
		k.CurrentTransaction = &txID
	case StatusReserved:
		if c.Request == nil || c.ExpiresAt == nil {
			return &apperr.Error{Kind: apperr.KindInvalidTransition, Message: "reserved requires a request and an expiry", From: string(k.Status), To: string(c.To)}
		}
		k.clearReferences()
		reqID := *c.Request
		exp := c.ExpiresAt.UTC()
		k.CurrentRequest = &reqID
		k.ReservationExpiry = &exp
		if c.ReservedBy != nil {
			by := *c.ReservedBy
			k.ReservedBy = &by
		}
	default:
		k.clearReferences()
	}

	k.Status = c.To
	k.UpdatedAt = c.At
	k.History = append(k.History, HistoryEntry{
		Transaction: copyID(c.Transaction),
		Request:     copyID(c.Request),
		Status:      c.To,
		Note:        c.Note,
		RecordedAt:  c.At,
	})
	return nil
}

// ExpireReservation moves a lapsed reservation back to available.
// Returns false when nothing had to change.
func (k *Key) ExpireReservation(now time.Time) bool {
	if !k.ReservationExpired(now) {
		return false
	}
	_ = k.Apply(Change{
		To:      StatusAvailable,
		Request: copyID(k.CurrentRequest),
		Note:    "reservation expired",
		At:      now,
	})
	return true
}

// LinkTransaction restores the back-reference of a checked-out key.
func (k *Key) LinkTransaction(txID uuid.UUID, at time.Time) {
	id := txID
	k.CurrentTransaction = &id
	k.UpdatedAt = at
	k.History = append(k.History, HistoryEntry{
		Transaction: &id,
		Status:      k.Status,
		Note:        "transaction link restored",
		RecordedAt:  at,
	})
}

// Claim records a draft's hold on an available key. The status change waits for finalize.
func (k *Key) Claim(txID uuid.UUID, at time.Time) error {
	if k.Status != StatusAvailable || k.CurrentTransaction != nil {
		return apperr.Newf(apperr.KindKeyUnavailable, "key %s is %s", k.Code, k.Status)
	}
	id := txID
	k.CurrentTransaction = &id
	k.UpdatedAt = at
	return nil
}

// ReleaseClaim drops a draft claim held by txID.
func (k *Key) ReleaseClaim(txID uuid.UUID, at time.Time) bool {
	if k.Status != StatusAvailable || k.CurrentTransaction == nil || *k.CurrentTransaction != txID {
		return false
	}
	k.ClearTransaction(at)
	return true
}

// ClearTransaction drops a dangling transaction reference without a status change.
func (k *Key) ClearTransaction(at time.Time) {
	k.CurrentTransaction = nil
	k.UpdatedAt = at
}

// StripRequest removes every history entry that references reqID.
func (k *Key) StripRequest(reqID uuid.UUID) int {
	kept := k.History[:0]
	removed := 0
	for _, h := range k.History {
		if h.Request != nil && *h.Request == reqID {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	k.History = kept
	return removed
}

// ReferencesRequest reports whether any history entry names reqID.
func (k *Key) ReferencesRequest(reqID uuid.UUID) bool {
	for _, h := range k.History {
		if h.Request != nil && *h.Request == reqID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (k *Key) Clone() *Key {
	if k == nil {
		return nil
	}
	out := *k
	out.ReservationExpiry = copyTime(k.ReservationExpiry)
	out.ReservedBy = copyID(k.ReservedBy)
	out.CurrentRequest = copyID(k.CurrentRequest)
	out.CurrentTransaction = copyID(k.CurrentTransaction)
	if k.History != nil {
		out.History = make([]HistoryEntry, len(k.History))
		for i, h := range k.History {
			h.Transaction = copyID(h.Transaction)
			h.Request = copyID(h.Request)
			out.History[i] = h
		}
	}
	return &out
}

func (k *Key) clearReferences() {
	k.CurrentTransaction = nil
	k.CurrentRequest = nil
	k.ReservedBy = nil
	k.ReservationExpiry = nil
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
