package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

type refKind uint8

const (
	kindKey refKind = iota
	kindTransaction
	kindRequest
	kindUser
	kindCount
)

type ref struct {
	kind refKind
	id   uuid.UUID
}

type table[T any] struct {
	kind       refKind
	rows       map[uuid.UUID]T
	clone      func(T) T
	setVersion func(T, int64)
	// unique returns the value of the table's unique column.
	unique func(T) string
}

func newTable[T any](kind refKind, clone func(T) T, setVersion func(T, int64), unique func(T) string) *table[T] {
	return &table[T]{kind: kind, rows: make(map[uuid.UUID]T), clone: clone, setVersion: setVersion, unique: unique}
}

// Store is an in-memory Entity Store with optimistic units of work.
// Reads record the version they observed, writes are buffered, and commit
// validates the read set under a short critical section.
type Store struct {
	mu       sync.RWMutex
	versions map[ref]int64
	// collections is bumped on every write to a table so scans detect phantoms.
	collections [kindCount]int64

	keys         *table[*key.Key]
	transactions *table[*transaction.Transaction]
	requests     *table[*request.Request]
	users        *table[*user.User]

	seq        atomic.Int64
	historySeq atomic.Int64
	audit      *AuditRepository
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		versions: make(map[ref]int64),
		keys: newTable(kindKey, (*key.Key).Clone,
			func(k *key.Key, v int64) { k.Version = v },
			func(k *key.Key) string { return k.Code }),
		transactions: newTable(kindTransaction, (*transaction.Transaction).Clone,
			func(t *transaction.Transaction, v int64) { t.Version = v },
			func(t *transaction.Transaction) string { return t.TransactionID }),
		requests: newTable(kindRequest, (*request.Request).Clone,
			func(r *request.Request, v int64) { r.Version = v },
			nil),
		users: newTable(kindUser, cloneUser,
			func(*user.User, int64) {},
			func(u *user.User) string { return u.Username }),
		audit: NewAuditRepository(),
	}
}

func cloneUser(u *user.User) *user.User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

func (s *Store) Audit() audit.Repository {
	return s.audit
}

func (s *Store) Close() {}

// RunInTx runs fn against a private view and commits it atomically.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := &unitOfWork{
		s:      s,
		reads:  make(map[ref]int64),
		scans:  make(map[refKind]int64),
		writes: make(map[ref]*pending),
	}
	if err := fn(ctx, t); err != nil {
		// An error decided on reads that another commit has since replaced
		// is a lost race and is reported as one.
		s.mu.RLock()
		stale := s.staleLocked(t)
		s.mu.RUnlock()
		if stale != nil {
			return apperr.Wrap(apperr.KindConcurrentModification, stale.Message, err)
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "context done before commit", err)
	}
	return s.commit(t)
}

// staleLocked reports the first read or scan that no longer matches the store.
func (s *Store) staleLocked(t *unitOfWork) *apperr.Error {
	for r, v := range t.reads {
		if s.versions[r] != v {
			return apperr.New(apperr.KindConcurrentModification, "record changed since it was read")
		}
	}
	for kind, v := range t.scans {
		if s.collections[kind] != v {
			return apperr.New(apperr.KindConcurrentModification, "collection changed since it was scanned")
		}
	}
	return nil
}

func (s *Store) commit(t *unitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.staleLocked(t); err != nil {
		return err
	}
	if len(t.writes) == 0 {
		return nil
	}

	if err := checkUnique(s.keys, t, "key code"); err != nil {
		return err
	}
	if err := checkUnique(s.transactions, t, "transaction id"); err != nil {
		return err
	}
	if err := checkUnique(s.users, t, "username"); err != nil {
		return err
	}

	for r, p := range t.writes {
		s.versions[r]++
		s.collections[r.kind]++
		switch r.kind {
		case kindKey:
			apply(s.keys, r.id, p, s.versions[r])
		case kindTransaction:
			apply(s.transactions, r.id, p, s.versions[r])
		case kindRequest:
			apply(s.requests, r.id, p, s.versions[r])
		case kindUser:
			apply(s.users, r.id, p, s.versions[r])
		}
	}
	return nil
}

func apply[T any](tb *table[T], id uuid.UUID, p *pending, version int64) {
	if p.deleted {
		delete(tb.rows, id)
		return
	}
	v := tb.clone(p.val.(T))
	tb.setVersion(v, version)
	tb.rows[id] = v
}

// checkUnique enforces the table's unique column over the post-commit state.
func checkUnique[T any](tb *table[T], t *unitOfWork, column string) error {
	if tb.unique == nil {
		return nil
	}
	seen := make(map[string]uuid.UUID)
	for id, row := range tb.rows {
		if p, ok := t.writes[ref{kind: tb.kind, id: id}]; ok {
			if p.deleted {
				continue
			}
			row = p.val.(T)
		}
		seen[tb.unique(row)] = id
	}
	for r, p := range t.writes {
		if r.kind != tb.kind || p.deleted {
			continue
		}
		val := tb.unique(p.val.(T))
		if owner, ok := seen[val]; ok && owner != r.id {
			return apperr.Newf(apperr.KindConflict, "%s %q already exists", column, val)
		}
		seen[val] = r.id
	}
	return nil
}

type pending struct {
	val     interface{}
	deleted bool
}

type unitOfWork struct {
	s      *Store
	reads  map[ref]int64
	scans  map[refKind]int64
	writes map[ref]*pending
}

func (t *unitOfWork) Keys() key.Repository                 { return &keyRepo{t: t} }
func (t *unitOfWork) Transactions() transaction.Repository { return &transactionRepo{t: t} }
func (t *unitOfWork) Requests() request.Repository         { return &requestRepo{t: t} }
func (t *unitOfWork) Users() user.Repository               { return &userRepo{t: t} }

func get[T any](t *unitOfWork, tb *table[T], id uuid.UUID) (T, bool) {
	var zero T
	r := ref{kind: tb.kind, id: id}
	if p, ok := t.writes[r]; ok {
		if p.deleted {
			return zero, false
		}
		return tb.clone(p.val.(T)), true
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	version := t.s.versions[r]
	if _, seen := t.reads[r]; !seen {
		t.reads[r] = version
	}
	row, ok := tb.rows[id]
	if !ok {
		return zero, false
	}
	out := tb.clone(row)
	tb.setVersion(out, version)
	return out, true
}

// scan returns every visible row, including this unit of work's own writes.
func scan[T any](t *unitOfWork, tb *table[T]) []T {
	t.s.mu.RLock()
	if _, seen := t.scans[tb.kind]; !seen {
		t.scans[tb.kind] = t.s.collections[tb.kind]
	}
	out := make([]T, 0, len(tb.rows))
	for id, row := range tb.rows {
		r := ref{kind: tb.kind, id: id}
		if _, written := t.writes[r]; written {
			continue
		}
		if _, seen := t.reads[r]; !seen {
			t.reads[r] = t.s.versions[r]
		}
		c := tb.clone(row)
		tb.setVersion(c, t.s.versions[r])
		out = append(out, c)
	}
	t.s.mu.RUnlock()

	for r, p := range t.writes {
		if r.kind != tb.kind || p.deleted {
			continue
		}
		out = append(out, tb.clone(p.val.(T)))
	}
	return out
}

// put buffers v. expected is the version the caller last saw, or -1 to skip the check.
func put[T any](t *unitOfWork, tb *table[T], id uuid.UUID, v T, expected int64) error {
	r := ref{kind: tb.kind, id: id}
	if p, ok := t.writes[r]; ok {
		if p.deleted {
			return apperr.Newf(apperr.KindNotFound, "record %s was deleted", id)
		}
	} else if expected >= 0 {
		if _, exists := get(t, tb, id); !exists {
			return apperr.Newf(apperr.KindNotFound, "record %s not found", id)
		}
		if t.reads[r] != expected {
			return apperr.New(apperr.KindConcurrentModification, "stale version")
		}
	}
	t.writes[r] = &pending{val: tb.clone(v)}
	return nil
}

func create[T any](t *unitOfWork, tb *table[T], id uuid.UUID, v T) error {
	if _, exists := get(t, tb, id); exists {
		return apperr.Newf(apperr.KindConflict, "record %s already exists", id)
	}
	t.writes[ref{kind: tb.kind, id: id}] = &pending{val: tb.clone(v)}
	return nil
}

func remove[T any](t *unitOfWork, tb *table[T], id uuid.UUID) error {
	if _, exists := get(t, tb, id); !exists {
		return apperr.Newf(apperr.KindNotFound, "record %s not found", id)
	}
	t.writes[ref{kind: tb.kind, id: id}] = &pending{deleted: true}
	return nil
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
