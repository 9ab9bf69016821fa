package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/key"
)

type keyRepo struct {
	t *unitOfWork
}

func (r *keyRepo) Create(ctx context.Context, k *key.Key) error {
	r.numberHistory(k)
	return create(r.t, r.t.s.keys, k.ID, k)
}

func (r *keyRepo) GetByID(ctx context.Context, id uuid.UUID) (*key.Key, error) {
	k, ok := get(r.t, r.t.s.keys, id)
	if !ok {
		return nil, nil
	}
	return k, nil
}

func (r *keyRepo) GetByCode(ctx context.Context, code string) (*key.Key, error) {
	for _, k := range scan(r.t, r.t.s.keys) {
		if k.Code == code {
			return k, nil
		}
	}
	return nil, nil
}

func (r *keyRepo) List(ctx context.Context, filter key.Filter, limit, offset int) ([]*key.Key, error) {
	now := filter.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var out []*key.Key
	for _, k := range scan(r.t, r.t.s.keys) {
		if filter.Status != nil && k.EffectiveStatus(now) != *filter.Status {
			continue
		}
		if filter.Location != nil && !strings.EqualFold(k.Location, *filter.Location) {
			continue
		}
		if filter.Type != nil && !strings.EqualFold(k.Type, *filter.Type) {
			continue
		}
		if filter.Query != nil && !matchesQuery(k, *filter.Query) {
			continue
		}
		out = append(out, k)
	}
	sortKeys(out)
	return paginate(out, limit, offset), nil
}

func matchesQuery(k *key.Key, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, field := range []string{k.Code, k.Description, k.Type, k.Location} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func (r *keyRepo) ListByCurrentTransaction(ctx context.Context, txID uuid.UUID) ([]*key.Key, error) {
	var out []*key.Key
	for _, k := range scan(r.t, r.t.s.keys) {
		if k.CurrentTransaction != nil && *k.CurrentTransaction == txID {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func (r *keyRepo) ListInconsistent(ctx context.Context) ([]*key.Key, error) {
	var out []*key.Key
	for _, k := range scan(r.t, r.t.s.keys) {
		if !k.Consistent() {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func (r *keyRepo) ListExpiredReservations(ctx context.Context, now time.Time) ([]*key.Key, error) {
	var out []*key.Key
	for _, k := range scan(r.t, r.t.s.keys) {
		if k.ReservationExpired(now) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func (r *keyRepo) CountByStatus(ctx context.Context, now time.Time) (map[key.Status]int, error) {
	counts := make(map[key.Status]int)
	for _, k := range scan(r.t, r.t.s.keys) {
		counts[k.EffectiveStatus(now)]++
	}
	return counts, nil
}

func (r *keyRepo) Update(ctx context.Context, k *key.Key) error {
	r.numberHistory(k)
	if err := put(r.t, r.t.s.keys, k.ID, k, k.Version); err != nil {
		return err
	}
	k.Version++
	return nil
}

func (r *keyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return remove(r.t, r.t.s.keys, id)
}

func (r *keyRepo) numberHistory(k *key.Key) {
	for i := range k.History {
		if k.History[i].ID == 0 {
			k.History[i].ID = r.t.s.historySeq.Add(1)
		}
	}
}

func sortKeys(keys []*key.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Code < keys[j].Code })
}
