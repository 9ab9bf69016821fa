package journal

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
)

// AuditLogger accepts audit facts without blocking the caller.
type AuditLogger interface {
	Log(ctx context.Context, entry *audit.AuditEntry)
}

// Journal collects the side effects of one unit of work.
// It is reset at the start of every attempt and flushed only after commit.
type Journal struct {
	entries []*audit.AuditEntry
	events  []*notification.Event
}

func (j *Journal) Reset() {
	j.entries = j.entries[:0]
	j.events = j.events[:0]
}

func (j *Journal) Record(entry *audit.AuditEntry) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, entry)
}

func (j *Journal) Emit(event *notification.Event) {
	if j == nil {
		return
	}
	j.events = append(j.events, event)
}

func (j *Journal) Entries() []*audit.AuditEntry {
	return j.entries
}

// Events returns the collected events, keeping only the last one per type and entity.
func (j *Journal) Events() []*notification.Event {
	type slot struct {
		t  notification.EventType
		id string
	}
	last := make(map[slot]int, len(j.events))
	for i, ev := range j.events {
		last[slot{ev.Type, ev.EntityID.String()}] = i
	}
	out := make([]*notification.Event, 0, len(last))
	for i, ev := range j.events {
		if last[slot{ev.Type, ev.EntityID.String()}] == i {
			out = append(out, ev)
		}
	}
	return out
}

// Dispatcher hands journaled effects to the audit and notification collaborators.
type Dispatcher struct {
	audit     AuditLogger
	publisher notification.Publisher
	logger    zerolog.Logger
}

func NewDispatcher(auditLogger AuditLogger, publisher notification.Publisher, logger zerolog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = notification.Nop{}
	}
	return &Dispatcher{
		audit:     auditLogger,
		publisher: publisher,
		logger:    logger.With().Str("service", "journal").Logger(),
	}
}

// Flush delivers the journal. Failures are logged and never returned.
func (d *Dispatcher) Flush(ctx context.Context, j *Journal) {
	if d.audit != nil {
		for _, e := range j.Entries() {
			d.audit.Log(ctx, e)
		}
	}
	for _, ev := range j.Events() {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.logger.Error().Err(err).
				Str("event", string(ev.Type)).
				Str("entityId", ev.EntityID.String()).
				Msg("failed to publish event")
		}
	}
}

// Executor runs journaled units of work against the store.
type Executor struct {
	store      store.Store
	dispatcher *Dispatcher
	attempts   int
}

func NewExecutor(s store.Store, dispatcher *Dispatcher, attempts int) *Executor {
	return &Executor{store: s, dispatcher: dispatcher, attempts: attempts}
}

// Do runs fn with retry. The journal starts empty on every attempt and is
// flushed once, after the successful commit.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context, tx store.Tx, j *Journal) error) error {
	j := &Journal{}
	err := store.WithRetry(ctx, e.store, e.attempts, func(ctx context.Context, tx store.Tx) error {
		j.Reset()
		return fn(ctx, tx, j)
	})
	if err != nil {
		return err
	}
	if e.dispatcher != nil {
		e.dispatcher.Flush(ctx, j)
	}
	return nil
}

// Read runs a side-effect free unit of work.
func (e *Executor) Read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return store.WithRetry(ctx, e.store, e.attempts, fn)
}

// Store returns the underlying store.
func (e *Executor) Store() store.Store {
	return e.store
}
