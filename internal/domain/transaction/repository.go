package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows transaction listings.
type Filter struct {
	Status   *Status
	UserID   *uuid.UUID
	IssuerID *uuid.UUID
	KeyID    *uuid.UUID
	// CheckoutFrom and CheckoutTo bound the checkout date, inclusive.
	CheckoutFrom *time.Time
	CheckoutTo   *time.Time
}

// Repository defines transaction persistence bound to a unit of work.
type Repository interface {
	// NextSequence returns the next value for human-readable ids.
	NextSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Transaction, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Transaction, error)
	// ListActiveHolding returns active transactions with a checked-out item for keyID.
	ListActiveHolding(ctx context.Context, keyID uuid.UUID) ([]*Transaction, error)
	// ListActiveByKey returns active transactions listing keyID in any item state.
	ListActiveByKey(ctx context.Context, keyID uuid.UUID) ([]*Transaction, error)
	ListActive(ctx context.Context) ([]*Transaction, error)
	// Update writes t if its stored version still equals t.Version, then bumps t.Version.
	Update(ctx context.Context, t *Transaction) error
	Delete(ctx context.Context, id uuid.UUID) error
}
