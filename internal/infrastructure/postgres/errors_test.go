package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/keyhub/keyhub/internal/apperr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, apperr.KindConcurrentModification},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, apperr.KindConcurrentModification},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "keys_code_key"}, apperr.KindConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, apperr.KindNotFound},
		{"connection", &pgconn.PgError{Code: "08006"}, apperr.KindStorageUnavailable},
		{"shutdown", &pgconn.PgError{Code: "57P01"}, apperr.KindStorageUnavailable},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), apperr.KindStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.Equal(t, tc.want, apperr.KindOf(got))
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, classify(nil))

	typed := apperr.New(apperr.KindKeyUnavailable, "taken")
	assert.Same(t, typed, classify(typed))

	syntax := &pgconn.PgError{Code: "42601"}
	assert.Equal(t, error(syntax), classify(syntax))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestConstraintMessage(t *testing.T) {
	assert.Equal(t, "username already exists", constraintMessage(&pgconn.PgError{ConstraintName: "users_username_key"}))
	assert.Equal(t, "record already exists", constraintMessage(&pgconn.PgError{ConstraintName: "other"}))
}

func TestWhere(t *testing.T) {
	w := &where{}
	assert.Equal(t, "", w.String())
	w.add("status = ?", "active")
	w.add("(a ILIKE ? OR b ILIKE ?)", "%x%", "%x%")
	assert.Equal(t, " WHERE status = $1 AND (a ILIKE $2 OR b ILIKE $3)", w.String())
	assert.Equal(t, " LIMIT $4 OFFSET $5", w.page(10, 20))
	assert.Len(t, w.args, 5)
	assert.Equal(t, "", (&where{}).page(0, 0))
}
