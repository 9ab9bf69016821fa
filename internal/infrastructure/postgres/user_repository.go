package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keyhub/keyhub/internal/domain/user"
)

// UserRepository implements user.Repository.
type UserRepository struct {
	q querier
}

const userColumns = `id, username, name, email, department, role, status, created_at, updated_at`

func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.Username, u.Name, u.Email, u.Department, u.Role, u.Status, u.CreatedAt, u.UpdatedAt)
	return classify(err)
}

func (r *UserRepository) Update(ctx context.Context, u *user.User) error {
	_, err := r.q.Exec(ctx, `
		UPDATE users
		SET username=$1, name=$2, email=$3, department=$4, role=$5, status=$6, updated_at=$7
		WHERE id=$8
	`, u.Username, u.Name, u.Email, u.Department, u.Role, u.Status, u.UpdatedAt, u.ID)
	return classify(err)
}

func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	return oneUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*user.User, error) {
	return oneUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (r *UserRepository) List(ctx context.Context, filter user.Filter, limit, offset int) ([]*user.User, error) {
	w := &where{}
	if filter.Role != nil {
		w.add("role = ?", *filter.Role)
	}
	if filter.Status != nil {
		w.add("status = ?", *filter.Status)
	}
	if filter.Username != nil {
		w.add("username = ?", *filter.Username)
	}
	query := `SELECT ` + userColumns + ` FROM users` + w.String() + ` ORDER BY created_at DESC, username` + w.page(limit, offset)

	rows, err := r.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var users []*user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err)
		}
		users = append(users, u)
	}
	return users, classify(rows.Err())
}

func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func oneUser(row pgx.Row) (*user.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.Department, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
