package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	appTransaction "github.com/keyhub/keyhub/internal/application/transaction"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Report lists what a reconciliation pass changed or could not fix.
type Report struct {
	ExpiredReservations   []uuid.UUID `json:"expiredReservations"`
	ClearedReferences     []uuid.UUID `json:"clearedReferences"`
	RestoredLinks         []uuid.UUID `json:"restoredLinks"`
	CompletedTransactions []uuid.UUID `json:"completedTransactions"`
	OrphanedKeys          []uuid.UUID `json:"orphanedCheckedOutKeys"`
}

func newReport() *Report {
	return &Report{
		ExpiredReservations:   []uuid.UUID{},
		ClearedReferences:     []uuid.UUID{},
		RestoredLinks:         []uuid.UUID{},
		CompletedTransactions: []uuid.UUID{},
		OrphanedKeys:          []uuid.UUID{},
	}
}

// Repairs counts the writes performed. Orphans are reported, not repaired.
func (r *Report) Repairs() int {
	return len(r.ExpiredReservations) + len(r.ClearedReferences) + len(r.RestoredLinks) + len(r.CompletedTransactions)
}

func (r *Report) merge(o *Report) {
	r.ExpiredReservations = append(r.ExpiredReservations, o.ExpiredReservations...)
	r.ClearedReferences = append(r.ClearedReferences, o.ClearedReferences...)
	r.RestoredLinks = append(r.RestoredLinks, o.RestoredLinks...)
	r.CompletedTransactions = append(r.CompletedTransactions, o.CompletedTransactions...)
	r.OrphanedKeys = append(r.OrphanedKeys, o.OrphanedKeys...)
}

// Service repairs drift between keys and transactions.
// Every repair runs in its own unit of work and re-checks its condition.
type Service struct {
	exec    *journal.Executor
	machine *keystate.Machine
	logger  zerolog.Logger
}

func NewService(exec *journal.Executor, machine *keystate.Machine, logger zerolog.Logger) *Service {
	return &Service{
		exec:    exec,
		machine: machine,
		logger:  logger.With().Str("service", "reconcile").Logger(),
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCleared
	outcomeRestored
	outcomeOrphaned
)

// SyncTransactionStates clears stale transaction references on available keys.
func (s *Service) SyncTransactionStates(ctx context.Context, actor user.Actor) (*Report, error) {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return nil, err
	}
	candidates, err := s.inconsistent(ctx, func(k *key.Key) bool {
		return k.Status == key.StatusAvailable && k.CurrentTransaction != nil
	})
	if err != nil {
		return nil, err
	}
	report := newReport()
	for _, id := range candidates {
		res, err := s.repairKey(ctx, actor, id, func(k *key.Key) bool {
			return k.Status == key.StatusAvailable && k.CurrentTransaction != nil
		})
		if err != nil {
			return report, err
		}
		if res == outcomeCleared {
			report.ClearedReferences = append(report.ClearedReferences, id)
		}
	}
	return report, nil
}

// ReconcileKeyStates repairs every key whose status and transaction
// reference disagree. Checked-out keys with no unique holder are reported
// through an OrphanedCheckedOutKey error alongside the report.
func (s *Service) ReconcileKeyStates(ctx context.Context, actor user.Actor) (*Report, error) {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return nil, err
	}
	candidates, err := s.inconsistent(ctx, func(*key.Key) bool { return true })
	if err != nil {
		return nil, err
	}
	report := newReport()
	for _, id := range candidates {
		res, err := s.repairKey(ctx, actor, id, func(*key.Key) bool { return true })
		if err != nil {
			return report, err
		}
		switch res {
		case outcomeCleared:
			report.ClearedReferences = append(report.ClearedReferences, id)
		case outcomeRestored:
			report.RestoredLinks = append(report.RestoredLinks, id)
		case outcomeOrphaned:
			report.OrphanedKeys = append(report.OrphanedKeys, id)
		}
	}
	if len(report.OrphanedKeys) > 0 {
		s.logger.Warn().Int("count", len(report.OrphanedKeys)).Msg("checked-out keys without a holding transaction")
		return report, apperr.WithIDs(apperr.KindOrphanedCheckedOutKey, "checked-out keys have no holding transaction", report.OrphanedKeys)
	}
	return report, nil
}

// ExpireReservations persists every lapsed reservation as available.
func (s *Service) ExpireReservations(ctx context.Context, actor user.Actor) (*Report, error) {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		keys, err := tx.Keys().ListExpiredReservations(ctx, s.machine.Now())
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, k := range keys {
			ids = append(ids, k.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := newReport()
	for _, id := range ids {
		expired := false
		err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
			expired = false
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil || k == nil {
				return err
			}
			expired, err = s.machine.Expire(ctx, tx, k, actor, j)
			return err
		})
		if err != nil {
			return report, err
		}
		if expired {
			report.ExpiredReservations = append(report.ExpiredReservations, id)
		}
	}
	return report, nil
}

// CompleteFinishedTransactions completes active transactions whose items are all final.
func (s *Service) CompleteFinishedTransactions(ctx context.Context, actor user.Actor) (*Report, error) {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		active, err := tx.Transactions().ListActive(ctx)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, t := range active {
			if t.AllItemsFinal() {
				ids = append(ids, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := newReport()
	for _, id := range ids {
		completed := false
		err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
			completed = false
			t, err := tx.Transactions().GetByID(ctx, id)
			if err != nil || t == nil {
				return err
			}
			completed, err = appTransaction.CompleteIfFinished(ctx, tx, t, actor, s.machine.Now(), j)
			return err
		})
		if err != nil {
			return report, err
		}
		if completed {
			report.CompletedTransactions = append(report.CompletedTransactions, id)
		}
	}
	return report, nil
}

// RunAll runs every routine in order and merges the reports.
func (s *Service) RunAll(ctx context.Context, actor user.Actor) (*Report, error) {
	report := newReport()
	steps := []func(context.Context, user.Actor) (*Report, error){
		s.ExpireReservations,
		s.CompleteFinishedTransactions,
		s.SyncTransactionStates,
		s.ReconcileKeyStates,
	}
	var orphaned error
	for _, step := range steps {
		r, err := step(ctx, actor)
		if r != nil {
			report.merge(r)
		}
		if errors.Is(err, apperr.ErrOrphanedCheckedOutKey) {
			orphaned = err
			continue
		}
		if err != nil {
			return report, err
		}
	}
	if n := report.Repairs(); n > 0 {
		s.logger.Info().Int("repairs", n).Msg("reconciliation repaired records")
	}
	return report, orphaned
}

func (s *Service) inconsistent(ctx context.Context, match func(*key.Key) bool) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		keys, err := tx.Keys().ListInconsistent(ctx)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, k := range keys {
			if match(k) {
				ids = append(ids, k.ID)
			}
		}
		return nil
	})
	return ids, err
}

// repairKey re-reads one key and fixes it if it still violates the invariant.
func (s *Service) repairKey(ctx context.Context, actor user.Actor, keyID uuid.UUID, match func(*key.Key) bool) (outcome, error) {
	var res outcome
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		res = outcomeNone
		k, err := tx.Keys().GetByID(ctx, keyID)
		if err != nil || k == nil {
			return err
		}
		if k.Consistent() || !match(k) {
			return nil
		}
		now := s.machine.Now()

		if k.Status == key.StatusCheckedOut {
			holders, err := tx.Transactions().ListActiveHolding(ctx, k.ID)
			if err != nil {
				return err
			}
			if len(holders) != 1 {
				res = outcomeOrphaned
				return nil
			}
			k.LinkTransaction(holders[0].ID, now)
			if err := tx.Keys().Update(ctx, k); err != nil {
				return err
			}
			s.record(j, actor, k, fmt.Sprintf("linked to %s", holders[0].TransactionID), nil)
			res = outcomeRestored
			return nil
		}

		stale := *k.CurrentTransaction
		if k.Status == key.StatusAvailable {
			t, err := tx.Transactions().GetByID(ctx, stale)
			if err != nil {
				return err
			}
			if isDraftClaim(t, k.ID) {
				return nil
			}
		}
		k.ClearTransaction(now)
		if err := tx.Keys().Update(ctx, k); err != nil {
			return err
		}
		s.record(j, actor, k, "stale transaction reference cleared", &stale)
		res = outcomeCleared
		return nil
	})
	return res, err
}

func (s *Service) record(j *journal.Journal, actor user.Actor, k *key.Key, description string, stale *uuid.UUID) {
	meta := map[string]interface{}{"code": k.Code, "status": k.Status}
	if stale != nil {
		meta["clearedTransaction"] = stale.String()
	}
	j.Record(&audit.AuditEntry{
		EntityType:  audit.EntityTypeKey,
		EntityID:    k.ID.String(),
		Action:      audit.ActionReconcileRepair,
		Actor:       actor.ActorString(),
		ActorRole:   string(actor.Role),
		Description: description,
		NewValues:   map[string]interface{}{"currentTransaction": k.CurrentTransaction},
		Metadata:    meta,
		OccurredAt:  k.UpdatedAt,
	})
	j.Emit(notification.NewEvent(notification.EventKeyUpdated, k.ID, nil, string(k.Status), k))
}

// isDraftClaim reports whether t is a draft that lists keyID, the one case
// where an available key may point at a transaction.
func isDraftClaim(t *transaction.Transaction, keyID uuid.UUID) bool {
	return t != nil && t.Status == transaction.StatusDraft && t.HasKey(keyID)
}
