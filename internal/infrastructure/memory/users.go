package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/user"
)

type userRepo struct {
	t *unitOfWork
}

func (r *userRepo) Create(ctx context.Context, u *user.User) error {
	return create(r.t, r.t.s.users, u.ID, u)
}

func (r *userRepo) Update(ctx context.Context, u *user.User) error {
	return put(r.t, r.t.s.users, u.ID, u, -1)
}

func (r *userRepo) GetByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	u, ok := get(r.t, r.t.s.users, userID)
	if !ok {
		return nil, nil
	}
	return u, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	for _, u := range scan(r.t, r.t.s.users) {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (r *userRepo) List(ctx context.Context, filter user.Filter, limit, offset int) ([]*user.User, error) {
	var out []*user.User
	for _, u := range scan(r.t, r.t.s.users) {
		if filter.Role != nil && u.Role != *filter.Role {
			continue
		}
		if filter.Status != nil && u.Status != *filter.Status {
			continue
		}
		if filter.Username != nil && u.Username != *filter.Username {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return paginate(out, limit, offset), nil
}

func (r *userRepo) Count(ctx context.Context) (int, error) {
	return len(scan(r.t, r.t.s.users)), nil
}
