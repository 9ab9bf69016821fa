package request

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
)

// Status represents request status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// PreferredDate is a slot the requester would like the keys for.
type PreferredDate struct {
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	TimeSlot string `json:"timeSlot" validate:"required,max=64"`
}

// Message is one entry in a request's thread.
type Message struct {
	SenderID  uuid.UUID `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is a user's advance reservation of keys.
type Request struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"userId"`
	IssuerID       *uuid.UUID      `json:"issuerId,omitempty"`
	KeyIDs         []uuid.UUID     `json:"keys"`
	PreferredDates []PreferredDate `json:"preferredDates"`
	Purpose        string          `json:"purpose"`
	Status         Status          `json:"status"`
	Messages       []Message       `json:"messages"`
	TransactionID  *uuid.UUID      `json:"transactionId,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewRequest creates a pending request.
func NewRequest(userID uuid.UUID, keyIDs []uuid.UUID, dates []PreferredDate, purpose string) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:             uuid.New(),
		UserID:         userID,
		KeyIDs:         append([]uuid.UUID(nil), keyIDs...),
		PreferredDates: append([]PreferredDate(nil), dates...),
		Purpose:        strings.TrimSpace(purpose),
		Status:         StatusPending,
		Messages:       []Message{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CanTransitionTo validates request status transition.
func (r *Request) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:   {StatusApproved, StatusRejected},
		StatusApproved:  {StatusCompleted},
		StatusRejected:  {},
		StatusCompleted: {},
	}
	for _, s := range transitions[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// HasKey reports whether the request names keyID.
func (r *Request) HasKey(keyID uuid.UUID) bool {
	for _, id := range r.KeyIDs {
		if id == keyID {
			return true
		}
	}
	return false
}

// Approve marks the request approved and links the resulting transaction.
func (r *Request) Approve(issuerID, transactionID uuid.UUID, at time.Time) error {
	if r.Status != StatusPending {
		return apperr.Newf(apperr.KindRequestNotPending, "request %s is %s", r.ID, r.Status)
	}
	if len(r.KeyIDs) == 0 {
		return apperr.Newf(apperr.KindEmptyRequest, "request %s has no keys", r.ID)
	}
	issuer := issuerID
	txID := transactionID
	r.IssuerID = &issuer
	r.TransactionID = &txID
	r.Status = StatusApproved
	r.UpdatedAt = at
	return nil
}

// Reject marks the request rejected.
func (r *Request) Reject(issuerID uuid.UUID, at time.Time) error {
	if r.Status != StatusPending {
		return apperr.Newf(apperr.KindRequestNotPending, "request %s is %s", r.ID, r.Status)
	}
	issuer := issuerID
	r.IssuerID = &issuer
	r.Status = StatusRejected
	r.UpdatedAt = at
	return nil
}

// Complete marks an approved request completed once its transaction is done.
func (r *Request) Complete(at time.Time) bool {
	if !r.CanTransitionTo(StatusCompleted) {
		return false
	}
	r.Status = StatusCompleted
	r.UpdatedAt = at
	return true
}

// AddMessage appends to the thread.
func (r *Request) AddMessage(sender uuid.UUID, content string, at time.Time) {
	r.Messages = append(r.Messages, Message{SenderID: sender, Content: strings.TrimSpace(content), Timestamp: at})
	r.UpdatedAt = at
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.KeyIDs = append([]uuid.UUID(nil), r.KeyIDs...)
	out.PreferredDates = append([]PreferredDate(nil), r.PreferredDates...)
	out.Messages = append([]Message(nil), r.Messages...)
	if r.IssuerID != nil {
		v := *r.IssuerID
		out.IssuerID = &v
	}
	if r.TransactionID != nil {
		v := *r.TransactionID
		out.TransactionID = &v
	}
	return &out
}
