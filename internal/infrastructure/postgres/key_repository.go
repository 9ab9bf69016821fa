package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/key"
)

// KeyRepository implements key.Repository inside one unit of work.
type KeyRepository struct {
	q querier
}

const keyColumns = `id, code, description, key_type, location, status, reservation_expiry, reserved_by, current_request, current_transaction, version, created_at, updated_at`

// effectiveStatus mirrors key.EffectiveStatus in SQL; now is the placeholder for the clock.
func effectiveStatus(now string) string {
	return `(CASE WHEN status = 'reserved' AND reservation_expiry IS NOT NULL AND reservation_expiry <= ` + now + ` THEN 'available' ELSE status END)`
}

func (r *KeyRepository) Create(ctx context.Context, k *key.Key) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO keys (`+keyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$12)
	`, k.ID, k.Code, k.Description, k.Type, k.Location, k.Status, k.ReservationExpiry, k.ReservedBy, k.CurrentRequest, k.CurrentTransaction, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	k.Version = 1
	return r.insertHistory(ctx, k)
}

func (r *KeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*key.Key, error) {
	row := r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id=$1`, id)
	return r.one(ctx, row)
}

func (r *KeyRepository) GetByCode(ctx context.Context, code string) (*key.Key, error) {
	row := r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE code=$1`, code)
	return r.one(ctx, row)
}

func (r *KeyRepository) List(ctx context.Context, filter key.Filter, limit, offset int) ([]*key.Key, error) {
	now := filter.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	w := &where{}
	if filter.Status != nil {
		w.add(effectiveStatus("?")+" = ?", now, string(*filter.Status))
	}
	if filter.Location != nil {
		w.add("LOWER(location) = LOWER(?)", *filter.Location)
	}
	if filter.Type != nil {
		w.add("LOWER(key_type) = LOWER(?)", *filter.Type)
	}
	if filter.Query != nil && strings.TrimSpace(*filter.Query) != "" {
		pattern := "%" + strings.TrimSpace(*filter.Query) + "%"
		w.add("(code ILIKE ? OR description ILIKE ? OR key_type ILIKE ? OR location ILIKE ?)", pattern, pattern, pattern, pattern)
	}
	query := `SELECT ` + keyColumns + ` FROM keys` + w.String() + ` ORDER BY code` + w.page(limit, offset)
	return r.many(ctx, query, w.args...)
}

func (r *KeyRepository) ListByCurrentTransaction(ctx context.Context, txID uuid.UUID) ([]*key.Key, error) {
	return r.many(ctx, `SELECT `+keyColumns+` FROM keys WHERE current_transaction=$1 ORDER BY code`, txID)
}

func (r *KeyRepository) ListInconsistent(ctx context.Context) ([]*key.Key, error) {
	return r.many(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE (status = 'checked-out') <> (current_transaction IS NOT NULL)
		ORDER BY code`)
}

func (r *KeyRepository) ListExpiredReservations(ctx context.Context, now time.Time) ([]*key.Key, error) {
	return r.many(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE status = 'reserved' AND reservation_expiry IS NOT NULL AND reservation_expiry <= $1
		ORDER BY code`, now)
}

func (r *KeyRepository) CountByStatus(ctx context.Context, now time.Time) (map[key.Status]int, error) {
	rows, err := r.q.Query(ctx, `SELECT `+effectiveStatus("$1")+` AS s, COUNT(1) FROM keys GROUP BY s`, now)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	counts := make(map[key.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		counts[key.Status(status)] = n
	}
	return counts, classify(rows.Err())
}

func (r *KeyRepository) Update(ctx context.Context, k *key.Key) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE keys
		SET description=$1, key_type=$2, location=$3, status=$4, reservation_expiry=$5, reserved_by=$6,
		    current_request=$7, current_transaction=$8, updated_at=$9, version=version+1
		WHERE id=$10 AND version=$11
	`, k.Description, k.Type, k.Location, k.Status, k.ReservationExpiry, k.ReservedBy, k.CurrentRequest, k.CurrentTransaction, k.UpdatedAt, k.ID, k.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindConcurrentModification, "key %s changed since it was read", k.Code)
	}
	k.Version++

	// entries removed from the slice (request rejection) are removed from the table
	kept := make([]int64, 0, len(k.History))
	for _, h := range k.History {
		if h.ID != 0 {
			kept = append(kept, h.ID)
		}
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM key_history WHERE key_id=$1 AND NOT (id = ANY($2))`, k.ID, kept); err != nil {
		return classify(err)
	}
	return r.insertHistory(ctx, k)
}

func (r *KeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM keys WHERE id=$1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "key not found: %s", id)
	}
	return nil
}

func (r *KeyRepository) insertHistory(ctx context.Context, k *key.Key) error {
	for i := range k.History {
		h := &k.History[i]
		if h.ID != 0 {
			continue
		}
		err := r.q.QueryRow(ctx, `
			INSERT INTO key_history (key_id, transaction_id, request_id, status, note, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
		`, k.ID, h.Transaction, h.Request, h.Status, h.Note, h.RecordedAt).Scan(&h.ID)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (r *KeyRepository) one(ctx context.Context, row pgx.Row) (*key.Key, error) {
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	if err := r.loadHistory(ctx, []*key.Key{k}); err != nil {
		return nil, err
	}
	return k, nil
}

func (r *KeyRepository) many(ctx context.Context, query string, args ...any) ([]*key.Key, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	var keys []*key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			rows.Close()
			return nil, classify(err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if err := r.loadHistory(ctx, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// loadHistory fills History for every key with a single query.
func (r *KeyRepository) loadHistory(ctx context.Context, keys []*key.Key) error {
	if len(keys) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*key.Key, len(keys))
	ids := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
		ids = append(ids, k.ID)
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, key_id, transaction_id, request_id, status, note, recorded_at
		FROM key_history WHERE key_id = ANY($1) ORDER BY id
	`, ids)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var h key.HistoryEntry
		var keyID uuid.UUID
		if err := rows.Scan(&h.ID, &keyID, &h.Transaction, &h.Request, &h.Status, &h.Note, &h.RecordedAt); err != nil {
			return classify(err)
		}
		if k := byID[keyID]; k != nil {
			k.History = append(k.History, h)
		}
	}
	return classify(rows.Err())
}

func scanKey(row pgx.Row) (*key.Key, error) {
	var k key.Key
	if err := row.Scan(&k.ID, &k.Code, &k.Description, &k.Type, &k.Location, &k.Status, &k.ReservationExpiry, &k.ReservedBy, &k.CurrentRequest, &k.CurrentTransaction, &k.Version, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}
