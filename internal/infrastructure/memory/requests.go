package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/request"
)

type requestRepo struct {
	t *unitOfWork
}

func (r *requestRepo) Create(ctx context.Context, req *request.Request) error {
	return create(r.t, r.t.s.requests, req.ID, req)
}

func (r *requestRepo) GetByID(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	req, ok := get(r.t, r.t.s.requests, id)
	if !ok {
		return nil, nil
	}
	return req, nil
}

func (r *requestRepo) List(ctx context.Context, filter request.Filter, limit, offset int) ([]*request.Request, error) {
	var out []*request.Request
	for _, req := range scan(r.t, r.t.s.requests) {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.UserID != nil && req.UserID != *filter.UserID {
			continue
		}
		out = append(out, req)
	}
	sortRequests(out)
	return paginate(out, limit, offset), nil
}

func (r *requestRepo) ListPendingByKeys(ctx context.Context, keyIDs []uuid.UUID) ([]*request.Request, error) {
	var out []*request.Request
	for _, req := range scan(r.t, r.t.s.requests) {
		if req.Status != request.StatusPending {
			continue
		}
		for _, id := range keyIDs {
			if req.HasKey(id) {
				out = append(out, req)
				break
			}
		}
	}
	sortRequests(out)
	return out, nil
}

func (r *requestRepo) Update(ctx context.Context, req *request.Request) error {
	if err := put(r.t, r.t.s.requests, req.ID, req, req.Version); err != nil {
		return err
	}
	req.Version++
	return nil
}

func sortRequests(rs []*request.Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID.String() < rs[j].ID.String()
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}
