package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keyhub/keyhub/internal/domain/audit"
)

// AuditRepository implements audit.Repository. Audit writes happen after the
// state change commits, so it works on the pool rather than a unit of work.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

const auditColumns = `id, audit_id, entity_type, entity_id, action, actor, actor_role, description, old_values, new_values, metadata, risk_level, signature, created_at`

func (r *AuditRepository) Create(ctx context.Context, entry *audit.AuditLog) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_logs
		(audit_id, entity_type, entity_id, action, actor, actor_role, description, old_values, new_values, metadata, risk_level, signature, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, entry.AuditID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, entry.ActorRole, entry.Description,
		entry.OldValues, entry.NewValues, entry.Metadata, entry.RiskLevel, entry.Signature, entry.CreatedAt).Scan(&entry.ID)
	return classify(err)
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	log, err := scanAudit(r.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE audit_id=$1`, auditID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return log, nil
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	w := &where{}
	if filter.EntityType != nil {
		w.add("entity_type = ?", *filter.EntityType)
	}
	if filter.EntityID != nil {
		w.add("entity_id = ?", *filter.EntityID)
	}
	if filter.Action != nil {
		w.add("action = ?", *filter.Action)
	}
	if filter.Actor != nil {
		w.add("actor = ?", *filter.Actor)
	}
	if filter.RiskLevel != nil {
		w.add("risk_level = ?", *filter.RiskLevel)
	}
	if filter.StartTime != nil {
		w.add("created_at >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		w.add("created_at <= ?", *filter.EndTime)
	}
	if cursor != nil {
		w.add("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + w.String() + ` ORDER BY created_at DESC, id DESC` + w.page(limit, 0)

	logs, err := r.many(ctx, query, w.args...)
	if err != nil {
		return nil, nil, err
	}
	var next *audit.Cursor
	if limit > 0 && len(logs) == limit {
		last := logs[len(logs)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return logs, next, nil
}

func (r *AuditRepository) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	return r.many(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at DESC, id DESC
	`, entityType, entityID)
}

func (r *AuditRepository) CountByAction(ctx context.Context, start, end time.Time) (map[audit.Action]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action, COUNT(1) FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY action
	`, start, end)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	counts := make(map[audit.Action]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, classify(err)
		}
		counts[audit.Action(action)] = n
	}
	return counts, classify(rows.Err())
}

func (r *AuditRepository) many(ctx context.Context, query string, args ...any) ([]*audit.AuditLog, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var logs []*audit.AuditLog
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, classify(err)
		}
		logs = append(logs, log)
	}
	return logs, classify(rows.Err())
}

func scanAudit(row pgx.Row) (*audit.AuditLog, error) {
	var log audit.AuditLog
	if err := row.Scan(&log.ID, &log.AuditID, &log.EntityType, &log.EntityID, &log.Action, &log.Actor, &log.ActorRole, &log.Description,
		&log.OldValues, &log.NewValues, &log.Metadata, &log.RiskLevel, &log.Signature, &log.CreatedAt); err != nil {
		return nil, err
	}
	log.CreatedAt = log.CreatedAt.UTC()
	return &log, nil
}
