package request

import (
	"context"

	"github.com/google/uuid"
)

// Filter narrows request listings.
type Filter struct {
	Status *Status
	UserID *uuid.UUID
}

// Repository defines request persistence bound to a unit of work.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Request, error)
	// ListPendingByKeys returns pending requests naming any of keyIDs.
	ListPendingByKeys(ctx context.Context, keyIDs []uuid.UUID) ([]*Request, error)
	// Update writes r if its stored version still equals r.Version, then bumps r.Version.
	Update(ctx context.Context, r *Request) error
}
