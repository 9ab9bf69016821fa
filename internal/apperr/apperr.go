package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInvalidTransition      Kind = "INVALID_TRANSITION"
	KindKeyUnavailable         Kind = "KEY_UNAVAILABLE"
	KindKeysUnavailable        Kind = "KEYS_UNAVAILABLE"
	KindKeyInUse               Kind = "KEY_IN_USE_BY_ACTIVE_TRANSACTION"
	KindNotInDraftState        Kind = "NOT_IN_DRAFT_STATE"
	KindRequestNotPending      Kind = "REQUEST_NOT_PENDING"
	KindInvalidItemState       Kind = "INVALID_ITEM_STATE"
	KindPendingRequestConflict Kind = "PENDING_REQUEST_CONFLICT"
	KindUserNotFound           Kind = "USER_NOT_FOUND"
	KindInsufficientRole       Kind = "INSUFFICIENT_ROLE"
	KindOrphanedCheckedOutKey  Kind = "ORPHANED_CHECKED_OUT_KEY"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindStorageUnavailable     Kind = "STORAGE_UNAVAILABLE"
	KindEmptyRequest           Kind = "EMPTY_REQUEST"
	KindNotFound               Kind = "NOT_FOUND"
	KindValidation             Kind = "VALIDATION"
	KindConflict               Kind = "CONFLICT"
	KindKeyReferenced          Kind = "KEY_REFERENCED"
)

// Error is the typed error returned by the core.
type Error struct {
	Kind    Kind
	Message string
	// IDs lists the offending identifiers, when any.
	IDs  []string
	From string
	To   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrKeyUnavailable         = &Error{Kind: KindKeyUnavailable}
	ErrKeysUnavailable        = &Error{Kind: KindKeysUnavailable}
	ErrKeyInUse               = &Error{Kind: KindKeyInUse}
	ErrNotInDraftState        = &Error{Kind: KindNotInDraftState}
	ErrRequestNotPending      = &Error{Kind: KindRequestNotPending}
	ErrInvalidItemState       = &Error{Kind: KindInvalidItemState}
	ErrPendingRequestConflict = &Error{Kind: KindPendingRequestConflict}
	ErrUserNotFound           = &Error{Kind: KindUserNotFound}
	ErrInsufficientRole       = &Error{Kind: KindInsufficientRole}
	ErrOrphanedCheckedOutKey  = &Error{Kind: KindOrphanedCheckedOutKey}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrStorageUnavailable     = &Error{Kind: KindStorageUnavailable}
	ErrEmptyRequest           = &Error{Kind: KindEmptyRequest}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrKeyReferenced          = &Error{Kind: KindKeyReferenced}
)

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithIDs returns an error carrying the offending identifiers.
func WithIDs[T fmt.Stringer](kind Kind, message string, ids []T) *Error {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return &Error{Kind: kind, Message: message, IDs: out}
}

// Transition returns an InvalidTransition error carrying both states.
func Transition(from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: "transition not permitted", From: from, To: to}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IDsOf returns the identifiers carried by err, if any.
func IDsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.IDs
	}
	return nil
}
