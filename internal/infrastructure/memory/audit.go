package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/audit"
)

// AuditRepository implements audit.Repository in memory.
type AuditRepository struct {
	mu     sync.RWMutex
	nextID int64
	logs   []*audit.AuditLog
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Create(ctx context.Context, entry *audit.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	c := *entry
	r.logs = append(r.logs, &c)
	return nil
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.logs {
		if l.AuditID == auditID {
			c := *l
			return &c, nil
		}
	}
	return nil, nil
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*audit.AuditLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		l := r.logs[i]
		if !matches(l, filter) {
			continue
		}
		if cursor != nil && !before(l, cursor) {
			continue
		}
		c := *l
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	var next *audit.Cursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

func (r *AuditRepository) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	logs, _, err := r.Query(ctx, audit.QueryFilter{EntityType: &entityType, EntityID: &entityID}, nil, 0)
	return logs, err
}

func (r *AuditRepository) CountByAction(ctx context.Context, start, end time.Time) (map[audit.Action]int, error) {
	logs, _, err := r.Query(ctx, audit.QueryFilter{StartTime: &start, EndTime: &end}, nil, 0)
	if err != nil {
		return nil, err
	}
	counts := make(map[audit.Action]int)
	for _, l := range logs {
		counts[l.Action]++
	}
	return counts, nil
}

// before orders by (created_at, id) descending, matching the postgres cursor
func before(l *audit.AuditLog, c *audit.Cursor) bool {
	if l.CreatedAt.Equal(c.CreatedAt) {
		return l.ID < c.ID
	}
	return l.CreatedAt.Before(c.CreatedAt)
}

func matches(l *audit.AuditLog, f audit.QueryFilter) bool {
	if f.EntityType != nil && l.EntityType != *f.EntityType {
		return false
	}
	if f.EntityID != nil && l.EntityID != *f.EntityID {
		return false
	}
	if f.Action != nil && l.Action != *f.Action {
		return false
	}
	if f.Actor != nil && l.Actor != *f.Actor {
		return false
	}
	if f.RiskLevel != nil && l.RiskLevel != *f.RiskLevel {
		return false
	}
	if f.StartTime != nil && l.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && l.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}
