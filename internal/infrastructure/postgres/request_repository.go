package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/request"
)

// RequestRepository implements request.Repository inside one unit of work.
type RequestRepository struct {
	q querier
}

const requestColumns = `id, user_id, issuer_id, key_ids, preferred_dates, purpose, status, messages, transaction_id, version, created_at, updated_at`

func (r *RequestRepository) Create(ctx context.Context, req *request.Request) error {
	dates, messages, err := marshalRequest(req)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$11)
	`, req.ID, req.UserID, req.IssuerID, keyIDs(req), dates, req.Purpose, req.Status, messages, req.TransactionID, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	req.Version = 1
	return nil
}

func (r *RequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	req, err := scanRequest(r.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return req, nil
}

func (r *RequestRepository) List(ctx context.Context, filter request.Filter, limit, offset int) ([]*request.Request, error) {
	w := &where{}
	if filter.Status != nil {
		w.add("status = ?", *filter.Status)
	}
	if filter.UserID != nil {
		w.add("user_id = ?", *filter.UserID)
	}
	query := `SELECT ` + requestColumns + ` FROM requests` + w.String() +
		` ORDER BY created_at DESC, id` + w.page(limit, offset)
	return r.many(ctx, query, w.args...)
}

func (r *RequestRepository) ListPendingByKeys(ctx context.Context, ids []uuid.UUID) ([]*request.Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.many(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = 'pending' AND key_ids && $1::uuid[]
		ORDER BY created_at DESC, id`, ids)
}

func (r *RequestRepository) Update(ctx context.Context, req *request.Request) error {
	dates, messages, err := marshalRequest(req)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE requests
		SET issuer_id=$1, key_ids=$2, preferred_dates=$3, purpose=$4, status=$5, messages=$6, transaction_id=$7,
		    updated_at=$8, version=version+1
		WHERE id=$9 AND version=$10
	`, req.IssuerID, keyIDs(req), dates, req.Purpose, req.Status, messages, req.TransactionID, req.UpdatedAt, req.ID, req.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindConcurrentModification, "request %s changed since it was read", req.ID)
	}
	req.Version++
	return nil
}

func (r *RequestRepository) many(ctx context.Context, query string, args ...any) ([]*request.Request, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, req)
	}
	return out, classify(rows.Err())
}

func keyIDs(req *request.Request) []uuid.UUID {
	if req.KeyIDs == nil {
		return []uuid.UUID{}
	}
	return req.KeyIDs
}

func marshalRequest(req *request.Request) (json.RawMessage, json.RawMessage, error) {
	dates := req.PreferredDates
	if dates == nil {
		dates = []request.PreferredDate{}
	}
	messages := req.Messages
	if messages == nil {
		messages = []request.Message{}
	}
	dateData, err := json.Marshal(dates)
	if err != nil {
		return nil, nil, err
	}
	messageData, err := json.Marshal(messages)
	if err != nil {
		return nil, nil, err
	}
	return dateData, messageData, nil
}

func scanRequest(row pgx.Row) (*request.Request, error) {
	var req request.Request
	var dates, messages json.RawMessage
	if err := row.Scan(&req.ID, &req.UserID, &req.IssuerID, &req.KeyIDs, &dates, &req.Purpose, &req.Status, &messages, &req.TransactionID, &req.Version, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.PreferredDates = []request.PreferredDate{}
	if len(dates) > 0 {
		if err := json.Unmarshal(dates, &req.PreferredDates); err != nil {
			return nil, err
		}
	}
	req.Messages = []request.Message{}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &req.Messages); err != nil {
			return nil, err
		}
	}
	return &req, nil
}
