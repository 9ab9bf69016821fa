package transaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
)

// Status represents transaction status.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ItemStatus represents the status of one key within a transaction.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemCheckedOut ItemStatus = "checked-out"
	ItemReturned   ItemStatus = "returned"
	ItemLost       ItemStatus = "lost"
)

// Source tells how a transaction was created.
type Source string

const (
	SourceManual  Source = "manual"
	SourceRequest Source = "request"
)

// Action is the verb of an action log entry.
type Action string

const (
	ActionCheckout Action = "checkout"
	ActionReturn   Action = "return"
	ActionLost     Action = "lost"
)

// Item is a single key's status within a transaction.
type Item struct {
	KeyID  uuid.UUID  `json:"keyId"`
	Status ItemStatus `json:"status"`
}

// Final reports whether the item can no longer change.
func (i Item) Final() bool {
	return i.Status == ItemReturned || i.Status == ItemLost
}

// ActionLog records who did what to which key.
type ActionLog struct {
	Action      Action    `json:"action"`
	KeyID       uuid.UUID `json:"keyId"`
	Timestamp   time.Time `json:"timestamp"`
	PerformedBy uuid.UUID `json:"performedBy"`
}

// Transaction is a checkout event grouping keys issued to one user.
type Transaction struct {
	ID             uuid.UUID   `json:"id"`
	TransactionID  string      `json:"transactionId"`
	UserID         uuid.UUID   `json:"userId"`
	IssuerID       uuid.UUID   `json:"issuerId"`
	Items          []Item      `json:"items"`
	Status         Status      `json:"status"`
	CheckoutDate   *time.Time  `json:"checkoutDate,omitempty"`
	DueDate        *time.Time  `json:"dueDate,omitempty"`
	Source         Source      `json:"source"`
	RelatedRequest *uuid.UUID  `json:"relatedRequest,omitempty"`
	ActionLogs     []ActionLog `json:"actionLogs"`
	Version        int64       `json:"version"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// FormatTransactionID renders the human-readable id for a sequence number.
func FormatTransactionID(seq int64) string {
	return fmt.Sprintf("TXN-%06d", seq)
}

// NewDraft creates an empty manual draft.
func NewDraft(seq int64, userID, issuerID uuid.UUID) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:            uuid.New(),
		TransactionID: FormatTransactionID(seq),
		UserID:        userID,
		IssuerID:      issuerID,
		Items:         []Item{},
		Status:        StatusDraft,
		Source:        SourceManual,
		ActionLogs:    []ActionLog{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanTransitionTo validates transaction status transition.
func (t *Transaction) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusDraft:     {StatusActive, StatusCancelled},
		StatusActive:    {StatusCompleted},
		StatusCompleted: {},
		StatusCancelled: {},
	}
	for _, s := range transitions[t.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Item returns the item for keyID.
func (t *Transaction) Item(keyID uuid.UUID) (Item, bool) {
	for _, it := range t.Items {
		if it.KeyID == keyID {
			return it, true
		}
	}
	return Item{}, false
}

// HasKey reports whether keyID is on the transaction.
func (t *Transaction) HasKey(keyID uuid.UUID) bool {
	_, ok := t.Item(keyID)
	return ok
}

// HoldsKey reports whether keyID is on the transaction with item status checked-out.
func (t *Transaction) HoldsKey(keyID uuid.UUID) bool {
	it, ok := t.Item(keyID)
	return ok && it.Status == ItemCheckedOut
}

// KeyIDs lists the keys on the transaction in item order.
func (t *Transaction) KeyIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.Items))
	for _, it := range t.Items {
		out = append(out, it.KeyID)
	}
	return out
}

// AddItems appends pending items. The caller has already checked key eligibility.
func (t *Transaction) AddItems(keyIDs []uuid.UUID, at time.Time) error {
	if t.Status != StatusDraft {
		return apperr.Newf(apperr.KindNotInDraftState, "transaction %s is %s", t.TransactionID, t.Status)
	}
	for _, id := range keyIDs {
		t.Items = append(t.Items, Item{KeyID: id, Status: ItemPending})
	}
	t.UpdatedAt = at
	return nil
}

// Activate moves a draft to active and marks every item checked-out.
func (t *Transaction) Activate(actor uuid.UUID, at time.Time, checkoutDuration time.Duration) error {
	if t.Status != StatusDraft {
		return apperr.Newf(apperr.KindNotInDraftState, "transaction %s is %s", t.TransactionID, t.Status)
	}
	if len(t.Items) == 0 {
		return apperr.Newf(apperr.KindValidation, "transaction %s has no items", t.TransactionID)
	}
	t.checkoutAll(actor, at, checkoutDuration)
	t.Status = StatusActive
	return nil
}

// NewFromRequest creates an active transaction fulfilling an approved request.
func NewFromRequest(seq int64, requestID, userID, issuerID uuid.UUID, keyIDs []uuid.UUID, at time.Time, checkoutDuration time.Duration) *Transaction {
	t := NewDraft(seq, userID, issuerID)
	t.Source = SourceRequest
	reqID := requestID
	t.RelatedRequest = &reqID
	for _, id := range keyIDs {
		t.Items = append(t.Items, Item{KeyID: id, Status: ItemPending})
	}
	t.checkoutAll(issuerID, at, checkoutDuration)
	t.Status = StatusActive
	t.CreatedAt = at
	return t
}

func (t *Transaction) checkoutAll(actor uuid.UUID, at time.Time, checkoutDuration time.Duration) {
	checkout := at
	t.CheckoutDate = &checkout
	if checkoutDuration > 0 {
		due := at.Add(checkoutDuration)
		t.DueDate = &due
	}
	for i := range t.Items {
		t.Items[i].Status = ItemCheckedOut
		t.ActionLogs = append(t.ActionLogs, ActionLog{
			Action:      ActionCheckout,
			KeyID:       t.Items[i].KeyID,
			Timestamp:   at,
			PerformedBy: actor,
		})
	}
	t.UpdatedAt = at
}

// ReturnItem marks a checked-out item returned.
func (t *Transaction) ReturnItem(keyID, actor uuid.UUID, at time.Time) error {
	return t.finishItem(keyID, ItemReturned, ActionReturn, actor, at)
}

// MarkItemLost marks a checked-out item lost.
func (t *Transaction) MarkItemLost(keyID, actor uuid.UUID, at time.Time) error {
	return t.finishItem(keyID, ItemLost, ActionLost, actor, at)
}

func (t *Transaction) finishItem(keyID uuid.UUID, status ItemStatus, action Action, actor uuid.UUID, at time.Time) error {
	if t.Status != StatusActive {
		return apperr.Newf(apperr.KindInvalidItemState, "transaction %s is %s", t.TransactionID, t.Status)
	}
	for i := range t.Items {
		if t.Items[i].KeyID != keyID {
			continue
		}
		if t.Items[i].Status != ItemCheckedOut {
			return apperr.Newf(apperr.KindInvalidItemState, "key %s is %s on transaction %s", keyID, t.Items[i].Status, t.TransactionID)
		}
		t.Items[i].Status = status
		t.ActionLogs = append(t.ActionLogs, ActionLog{
			Action:      action,
			KeyID:       keyID,
			Timestamp:   at,
			PerformedBy: actor,
		})
		t.UpdatedAt = at
		return nil
	}
	return apperr.Newf(apperr.KindInvalidItemState, "key %s is not on transaction %s", keyID, t.TransactionID)
}

// AllItemsFinal reports whether every item is returned or lost.
func (t *Transaction) AllItemsFinal() bool {
	if len(t.Items) == 0 {
		return false
	}
	for _, it := range t.Items {
		if !it.Final() {
			return false
		}
	}
	return true
}

// CompleteIfFinished completes an active transaction whose items are all final.
func (t *Transaction) CompleteIfFinished(at time.Time) bool {
	if t.Status != StatusActive || !t.AllItemsFinal() {
		return false
	}
	t.Status = StatusCompleted
	t.UpdatedAt = at
	return true
}

// Cancel moves a draft to cancelled.
func (t *Transaction) Cancel(at time.Time) error {
	if !t.CanTransitionTo(StatusCancelled) {
		return apperr.Newf(apperr.KindNotInDraftState, "transaction %s is %s", t.TransactionID, t.Status)
	}
	t.Status = StatusCancelled
	t.UpdatedAt = at
	return nil
}

// Overdue reports whether an active transaction is past its due date.
func (t *Transaction) Overdue(now time.Time) bool {
	return t.Status == StatusActive && t.DueDate != nil && now.After(*t.DueDate)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Items = append([]Item(nil), t.Items...)
	out.ActionLogs = append([]ActionLog(nil), t.ActionLogs...)
	if t.CheckoutDate != nil {
		v := *t.CheckoutDate
		out.CheckoutDate = &v
	}
	if t.DueDate != nil {
		v := *t.DueDate
		out.DueDate = &v
	}
	if t.RelatedRequest != nil {
		v := *t.RelatedRequest
		out.RelatedRequest = &v
	}
	return &out
}
