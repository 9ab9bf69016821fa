package postgres

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keyhub/keyhub/internal/apperr"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// classify maps driver errors onto the apperr taxonomy. Errors that are
// already typed pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeSerializationFailure, pgErr.Code == codeDeadlockDetected:
			return apperr.Wrap(apperr.KindConcurrentModification, "concurrent update", err)
		case pgErr.Code == codeUniqueViolation:
			return apperr.Wrap(apperr.KindConflict, constraintMessage(pgErr), err)
		case pgErr.Code == codeForeignKeyViolation:
			return apperr.Wrap(apperr.KindNotFound, "referenced record does not exist", err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return apperr.Wrap(apperr.KindStorageUnavailable, "database unavailable", err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindStorageUnavailable, "database unavailable", err)
	}
	return err
}

func constraintMessage(pgErr *pgconn.PgError) string {
	switch pgErr.ConstraintName {
	case "keys_code_key":
		return "key code already exists"
	case "transactions_transaction_id_key":
		return "transaction id already exists"
	case "users_username_key":
		return "username already exists"
	}
	return "record already exists"
}
