package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/transaction"
)

type transactionRepo struct {
	t *unitOfWork
}

func (r *transactionRepo) NextSequence(ctx context.Context) (int64, error) {
	return r.t.s.seq.Add(1), nil
}

func (r *transactionRepo) Create(ctx context.Context, t *transaction.Transaction) error {
	return create(r.t, r.t.s.transactions, t.ID, t)
}

func (r *transactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	t, ok := get(r.t, r.t.s.transactions, id)
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (r *transactionRepo) GetByTransactionID(ctx context.Context, transactionID string) (*transaction.Transaction, error) {
	for _, t := range scan(r.t, r.t.s.transactions) {
		if t.TransactionID == transactionID {
			return t, nil
		}
	}
	return nil, nil
}

func (r *transactionRepo) List(ctx context.Context, filter transaction.Filter, limit, offset int) ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	for _, t := range scan(r.t, r.t.s.transactions) {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.UserID != nil && t.UserID != *filter.UserID {
			continue
		}
		if filter.IssuerID != nil && t.IssuerID != *filter.IssuerID {
			continue
		}
		if filter.KeyID != nil && !t.HasKey(*filter.KeyID) {
			continue
		}
		if filter.CheckoutFrom != nil && (t.CheckoutDate == nil || t.CheckoutDate.Before(*filter.CheckoutFrom)) {
			continue
		}
		if filter.CheckoutTo != nil && (t.CheckoutDate == nil || t.CheckoutDate.After(*filter.CheckoutTo)) {
			continue
		}
		out = append(out, t)
	}
	sortTransactions(out)
	return paginate(out, limit, offset), nil
}

func (r *transactionRepo) ListActiveHolding(ctx context.Context, keyID uuid.UUID) ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	for _, t := range scan(r.t, r.t.s.transactions) {
		if t.Status == transaction.StatusActive && t.HoldsKey(keyID) {
			out = append(out, t)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (r *transactionRepo) ListActiveByKey(ctx context.Context, keyID uuid.UUID) ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	for _, t := range scan(r.t, r.t.s.transactions) {
		if t.Status == transaction.StatusActive && t.HasKey(keyID) {
			out = append(out, t)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (r *transactionRepo) ListActive(ctx context.Context) ([]*transaction.Transaction, error) {
	status := transaction.StatusActive
	return r.List(ctx, transaction.Filter{Status: &status}, 0, 0)
}

func (r *transactionRepo) Update(ctx context.Context, t *transaction.Transaction) error {
	if err := put(r.t, r.t.s.transactions, t.ID, t, t.Version); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (r *transactionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return remove(r.t, r.t.s.transactions, id)
}

// newest first, matching the postgres ordering
func sortTransactions(ts []*transaction.Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].TransactionID > ts[j].TransactionID
		}
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}
