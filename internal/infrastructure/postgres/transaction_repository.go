package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/transaction"
)

// TransactionRepository implements transaction.Repository inside one unit of work.
type TransactionRepository struct {
	q querier
}

const transactionColumns = `id, transaction_id, user_id, issuer_id, items, status, checkout_date, due_date, source, related_request, action_logs, version, created_at, updated_at`

func (r *TransactionRepository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.q.QueryRow(ctx, `SELECT nextval('transaction_seq')`).Scan(&seq); err != nil {
		return 0, classify(err)
	}
	return seq, nil
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	items, logs, err := marshalTransaction(t)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$13)
	`, t.ID, t.TransactionID, t.UserID, t.IssuerID, items, t.Status, t.CheckoutDate, t.DueDate, t.Source, t.RelatedRequest, logs, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	t.Version = 1
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id)
	return oneTransaction(row)
}

func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*transaction.Transaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id=$1`, transactionID)
	return oneTransaction(row)
}

func (r *TransactionRepository) List(ctx context.Context, filter transaction.Filter, limit, offset int) ([]*transaction.Transaction, error) {
	w := &where{}
	if filter.Status != nil {
		w.add("status = ?", *filter.Status)
	}
	if filter.UserID != nil {
		w.add("user_id = ?", *filter.UserID)
	}
	if filter.IssuerID != nil {
		w.add("issuer_id = ?", *filter.IssuerID)
	}
	if filter.KeyID != nil {
		contains, err := itemsContaining(*filter.KeyID, "")
		if err != nil {
			return nil, err
		}
		w.add("items @> ?::jsonb", contains)
	}
	if filter.CheckoutFrom != nil {
		w.add("checkout_date >= ?", *filter.CheckoutFrom)
	}
	if filter.CheckoutTo != nil {
		w.add("checkout_date <= ?", *filter.CheckoutTo)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() +
		` ORDER BY created_at DESC, transaction_id DESC` + w.page(limit, offset)
	return r.many(ctx, query, w.args...)
}

func (r *TransactionRepository) ListActiveHolding(ctx context.Context, keyID uuid.UUID) ([]*transaction.Transaction, error) {
	contains, err := itemsContaining(keyID, transaction.ItemCheckedOut)
	if err != nil {
		return nil, err
	}
	return r.many(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'active' AND items @> $1::jsonb
		ORDER BY created_at DESC, transaction_id DESC`, contains)
}

func (r *TransactionRepository) ListActiveByKey(ctx context.Context, keyID uuid.UUID) ([]*transaction.Transaction, error) {
	contains, err := itemsContaining(keyID, "")
	if err != nil {
		return nil, err
	}
	return r.many(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'active' AND items @> $1::jsonb
		ORDER BY created_at DESC, transaction_id DESC`, contains)
}

func (r *TransactionRepository) ListActive(ctx context.Context) ([]*transaction.Transaction, error) {
	return r.many(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'active'
		ORDER BY created_at DESC, transaction_id DESC`)
}

func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	items, logs, err := marshalTransaction(t)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE transactions
		SET items=$1, status=$2, checkout_date=$3, due_date=$4, related_request=$5, action_logs=$6, updated_at=$7, version=version+1
		WHERE id=$8 AND version=$9
	`, items, t.Status, t.CheckoutDate, t.DueDate, t.RelatedRequest, logs, t.UpdatedAt, t.ID, t.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindConcurrentModification, "transaction %s changed since it was read", t.TransactionID)
	}
	t.Version++
	return nil
}

func (r *TransactionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM transactions WHERE id=$1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "transaction not found: %s", id)
	}
	return nil
}

func (r *TransactionRepository) many(ctx context.Context, query string, args ...any) ([]*transaction.Transaction, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

// itemsContaining builds the jsonb containment operand for an item on keyID,
// optionally in a given status.
func itemsContaining(keyID uuid.UUID, status transaction.ItemStatus) (string, error) {
	item := map[string]string{"keyId": keyID.String()}
	if status != "" {
		item["status"] = string(status)
	}
	data, err := json.Marshal([]map[string]string{item})
	return string(data), err
}

func marshalTransaction(t *transaction.Transaction) (json.RawMessage, json.RawMessage, error) {
	items := t.Items
	if items == nil {
		items = []transaction.Item{}
	}
	logs := t.ActionLogs
	if logs == nil {
		logs = []transaction.ActionLog{}
	}
	itemData, err := json.Marshal(items)
	if err != nil {
		return nil, nil, err
	}
	logData, err := json.Marshal(logs)
	if err != nil {
		return nil, nil, err
	}
	return itemData, logData, nil
}

func oneTransaction(row pgx.Row) (*transaction.Transaction, error) {
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var items, logs json.RawMessage
	if err := row.Scan(&t.ID, &t.TransactionID, &t.UserID, &t.IssuerID, &items, &t.Status, &t.CheckoutDate, &t.DueDate, &t.Source, &t.RelatedRequest, &logs, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Items = []transaction.Item{}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &t.Items); err != nil {
			return nil, err
		}
	}
	t.ActionLogs = []transaction.ActionLog{}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &t.ActionLogs); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
