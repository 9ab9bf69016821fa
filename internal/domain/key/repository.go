package key

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows key listings.
type Filter struct {
	// Status matches the effective status at Now.
	Status   *Status
	Now      time.Time
	Location *string
	Type     *string
	// Query matches code, description, type or location, case-insensitively.
	Query *string
}

// Repository defines key persistence bound to a unit of work.
type Repository interface {
	// Create fails with a Conflict error when the code is taken.
	Create(ctx context.Context, k *Key) error
	GetByID(ctx context.Context, id uuid.UUID) (*Key, error)
	GetByCode(ctx context.Context, code string) (*Key, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Key, error)
	ListByCurrentTransaction(ctx context.Context, txID uuid.UUID) ([]*Key, error)
	// ListInconsistent returns keys whose status and transaction reference disagree.
	ListInconsistent(ctx context.Context) ([]*Key, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]*Key, error)
	// CountByStatus counts keys by effective status at now.
	CountByStatus(ctx context.Context, now time.Time) (map[Status]int, error)
	// Update writes k if its stored version still equals k.Version, then bumps k.Version.
	Update(ctx context.Context, k *Key) error
	Delete(ctx context.Context, id uuid.UUID) error
}
