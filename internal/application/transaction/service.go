package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
	domain "github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// DefaultCheckoutDuration is the loan period stamped on finalize.
const DefaultCheckoutDuration = 7 * 24 * time.Hour

// Service is the transaction lifecycle manager.
type Service struct {
	exec             *journal.Executor
	machine          *keystate.Machine
	checkoutDuration time.Duration
	logger           zerolog.Logger
}

// NewService creates a transaction service.
func NewService(exec *journal.Executor, machine *keystate.Machine, checkoutDuration time.Duration, logger zerolog.Logger) *Service {
	if checkoutDuration <= 0 {
		checkoutDuration = DefaultCheckoutDuration
	}
	return &Service{
		exec:             exec,
		machine:          machine,
		checkoutDuration: checkoutDuration,
		logger:           logger.With().Str("service", "transaction").Logger(),
	}
}

// KeyValidation splits keys by whether they may join a transaction now.
type KeyValidation struct {
	Eligible   []uuid.UUID `json:"eligible"`
	Ineligible []uuid.UUID `json:"ineligible"`
}

func (s *Service) CreateDraft(ctx context.Context, actor user.Actor, userID uuid.UUID) (*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out *domain.Transaction
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		u, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil || !u.IsActive() {
			return apperr.Newf(apperr.KindUserNotFound, "user not found: %s", userID)
		}
		seq, err := tx.Transactions().NextSequence(ctx)
		if err != nil {
			return err
		}
		t := domain.NewDraft(seq, userID, actor.UserID)
		if err := tx.Transactions().Create(ctx, t); err != nil {
			return err
		}
		recordTransaction(j, actor, t, audit.ActionTransactionCreate, "", fmt.Sprintf("draft %s created for %s", t.TransactionID, u.Username))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("transactionId", out.TransactionID).Str("actor", actor.ActorString()).Msg("draft created")
	return out, nil
}

// AddItems claims keys for a draft. Either every key is added or none is.
func (s *Service) AddItems(ctx context.Context, actor user.Actor, txnID uuid.UUID, keyIDs []uuid.UUID) (*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	if len(keyIDs) == 0 {
		return nil, apperr.New(apperr.KindValidation, "at least one key is required")
	}
	var out *domain.Transaction
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		t, err := s.load(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusDraft {
			return apperr.Newf(apperr.KindNotInDraftState, "transaction %s is %s", t.TransactionID, t.Status)
		}

		now := s.machine.Now()
		seen := make(map[uuid.UUID]bool, len(keyIDs))
		keys := make([]*key.Key, 0, len(keyIDs))
		var offending []uuid.UUID
		for _, id := range keyIDs {
			if seen[id] || t.HasKey(id) {
				offending = append(offending, id)
				continue
			}
			seen[id] = true
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k == nil || !k.Eligible(now) {
				offending = append(offending, id)
				continue
			}
			keys = append(keys, k)
		}
		if len(offending) > 0 {
			return apperr.WithIDs(apperr.KindKeyUnavailable, "keys cannot be added to the draft", offending)
		}

		for _, k := range keys {
			if _, err := s.machine.Expire(ctx, tx, k, actor, j); err != nil {
				return err
			}
			if err := k.Claim(t.ID, now); err != nil {
				return err
			}
			if err := tx.Keys().Update(ctx, k); err != nil {
				return err
			}
		}
		if err := t.AddItems(keyIDs, now); err != nil {
			return err
		}
		if err := tx.Transactions().Update(ctx, t); err != nil {
			return err
		}
		recordTransaction(j, actor, t, audit.ActionTransactionUpdate, "", fmt.Sprintf("%d keys added to %s", len(keyIDs), t.TransactionID))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Finalize activates a draft and checks out every key on it.
func (s *Service) Finalize(ctx context.Context, actor user.Actor, txnID uuid.UUID) (*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out *domain.Transaction
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		t, err := s.load(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if t.Status != domain.StatusDraft {
			return apperr.Newf(apperr.KindNotInDraftState, "transaction %s is %s", t.TransactionID, t.Status)
		}
		if len(t.Items) == 0 {
			return apperr.Newf(apperr.KindValidation, "transaction %s has no items", t.TransactionID)
		}

		pending, err := tx.Requests().ListPendingByKeys(ctx, t.KeyIDs())
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			ids := make([]uuid.UUID, 0, len(pending))
			for _, r := range pending {
				ids = append(ids, r.ID)
			}
			return apperr.WithIDs(apperr.KindPendingRequestConflict, "keys are reserved by pending requests", ids)
		}

		var unclaimed []uuid.UUID
		for _, id := range t.KeyIDs() {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k == nil || k.CurrentTransaction == nil || *k.CurrentTransaction != t.ID {
				unclaimed = append(unclaimed, id)
			}
		}
		if len(unclaimed) > 0 {
			return apperr.WithIDs(apperr.KindKeyUnavailable, "keys are no longer claimed by the draft", unclaimed)
		}

		now := s.machine.Now()
		if err := t.Activate(actor.UserID, now, s.checkoutDuration); err != nil {
			return err
		}
		available := key.StatusAvailable
		for _, id := range t.KeyIDs() {
			if _, err := s.machine.Transition(ctx, tx, id, &available, key.StatusCheckedOut, keystate.Context{
				Actor:       actor,
				Origin:      keystate.OriginLifecycle,
				Transaction: &t.ID,
				Note:        "checked out on " + t.TransactionID,
			}, j); err != nil {
				return err
			}
		}
		if err := tx.Transactions().Update(ctx, t); err != nil {
			return err
		}
		recordTransaction(j, actor, t, audit.ActionTransactionUpdate, domain.StatusDraft, fmt.Sprintf("%s finalized with %d keys", t.TransactionID, len(t.Items)))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("transactionId", out.TransactionID).Int("items", len(out.Items)).Msg("transaction finalized")
	return out, nil
}

func (s *Service) ReturnItem(ctx context.Context, actor user.Actor, txnID, keyID uuid.UUID) (*domain.Transaction, error) {
	return s.finishItem(ctx, actor, txnID, keyID, key.StatusAvailable)
}

func (s *Service) MarkItemLost(ctx context.Context, actor user.Actor, txnID, keyID uuid.UUID) (*domain.Transaction, error) {
	return s.finishItem(ctx, actor, txnID, keyID, key.StatusLost)
}

func (s *Service) finishItem(ctx context.Context, actor user.Actor, txnID, keyID uuid.UUID, to key.Status) (*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out *domain.Transaction
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		t, err := s.load(ctx, tx, txnID)
		if err != nil {
			return err
		}
		now := s.machine.Now()
		if to == key.StatusLost {
			err = t.MarkItemLost(keyID, actor.UserID, now)
		} else {
			err = t.ReturnItem(keyID, actor.UserID, now)
		}
		if err != nil {
			return err
		}

		checkedOut := key.StatusCheckedOut
		if _, err := s.machine.Transition(ctx, tx, keyID, &checkedOut, to, keystate.Context{
			Actor:       actor,
			Origin:      keystate.OriginLifecycle,
			Transaction: &t.ID,
			Note:        fmt.Sprintf("%s on %s", to, t.TransactionID),
		}, j); err != nil {
			return err
		}

		if _, err := CompleteIfFinished(ctx, tx, t, actor, now, j); err != nil {
			return err
		}
		if t.Status == domain.StatusActive {
			if err := tx.Transactions().Update(ctx, t); err != nil {
				return err
			}
			recordTransaction(j, actor, t, audit.ActionTransactionUpdate, domain.StatusActive, fmt.Sprintf("key %s %s", keyID, to))
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteIfFinished completes an active transaction whose items are all
// final and moves a request that sourced it to completed.
func CompleteIfFinished(ctx context.Context, tx store.Tx, t *domain.Transaction, actor user.Actor, now time.Time, j *journal.Journal) (bool, error) {
	if !t.CompleteIfFinished(now) {
		return false, nil
	}
	if err := tx.Transactions().Update(ctx, t); err != nil {
		return false, err
	}
	recordTransaction(j, actor, t, audit.ActionTransactionComplete, domain.StatusActive, t.TransactionID+" completed")

	if t.Source == domain.SourceRequest && t.RelatedRequest != nil {
		r, err := tx.Requests().GetByID(ctx, *t.RelatedRequest)
		if err != nil {
			return false, err
		}
		if r != nil && r.Complete(now) {
			if err := tx.Requests().Update(ctx, r); err != nil {
				return false, err
			}
			j.Emit(notification.NewEvent(notification.EventRequestUpdated, r.ID, &r.UserID, string(r.Status), r))
		}
	}
	return true, nil
}

// Cancel abandons a draft and releases its claims.
func (s *Service) Cancel(ctx context.Context, actor user.Actor, txnID uuid.UUID) (*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out *domain.Transaction
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		t, err := s.load(ctx, tx, txnID)
		if err != nil {
			return err
		}
		now := s.machine.Now()
		if err := t.Cancel(now); err != nil {
			return err
		}
		for _, id := range t.KeyIDs() {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k != nil && k.ReleaseClaim(t.ID, now) {
				if err := tx.Keys().Update(ctx, k); err != nil {
					return err
				}
			}
		}
		if err := tx.Transactions().Update(ctx, t); err != nil {
			return err
		}
		recordTransaction(j, actor, t, audit.ActionTransactionCancel, domain.StatusDraft, t.TransactionID+" cancelled")
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTransaction removes the record and the key references to it.
// Key status is left alone; the reconciler reports what that strands.
func (s *Service) DeleteTransaction(ctx context.Context, actor user.Actor, txnID uuid.UUID) error {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return err
	}
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		t, err := s.load(ctx, tx, txnID)
		if err != nil {
			return err
		}
		now := s.machine.Now()
		keys, err := tx.Keys().ListByCurrentTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			k.ClearTransaction(now)
			if err := tx.Keys().Update(ctx, k); err != nil {
				return err
			}
		}
		if err := tx.Transactions().Delete(ctx, t.ID); err != nil {
			return err
		}
		recordTransaction(j, actor, t, audit.ActionTransactionDelete, t.Status, fmt.Sprintf("%s deleted, %d key references cleared", t.TransactionID, len(keys)))
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn().Str("transaction", txnID.String()).Str("actor", actor.ActorString()).Msg("transaction deleted")
	return nil
}

func (s *Service) ValidateKeys(ctx context.Context, actor user.Actor, keyIDs []uuid.UUID) (*KeyValidation, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	out := &KeyValidation{Eligible: []uuid.UUID{}, Ineligible: []uuid.UUID{}}
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		out.Eligible = out.Eligible[:0]
		out.Ineligible = out.Ineligible[:0]
		now := s.machine.Now()
		for _, id := range keyIDs {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k != nil && k.Eligible(now) {
				out.Eligible = append(out.Eligible, id)
			} else {
				out.Ineligible = append(out.Ineligible, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, actor user.Actor, txnID uuid.UUID) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := s.load(ctx, tx, txnID)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := canView(actor, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetByTransactionID(ctx context.Context, actor user.Actor, transactionID string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.Transactions().GetByTransactionID(ctx, transactionID)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.Newf(apperr.KindNotFound, "transaction not found: %s", transactionID)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := canView(actor, out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns transactions; plain users only see their own.
func (s *Service) List(ctx context.Context, actor user.Actor, filter domain.Filter, limit, offset int) ([]*domain.Transaction, error) {
	if !actor.Role.IsStaff() {
		filter.UserID = &actor.UserID
	}
	var out []*domain.Transaction
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Transactions().List(ctx, filter, limit, offset)
		return err
	})
	return out, err
}

// ListOverdue returns active transactions past their due date at now.
func (s *Service) ListOverdue(ctx context.Context, actor user.Actor, now time.Time) ([]*domain.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out []*domain.Transaction
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		active, err := tx.Transactions().ListActive(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, t := range active {
			if t.Overdue(now) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *Service) load(ctx context.Context, tx store.Tx, txnID uuid.UUID) (*domain.Transaction, error) {
	t, err := tx.Transactions().GetByID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "transaction not found: %s", txnID)
	}
	return t, nil
}

func recordTransaction(j *journal.Journal, actor user.Actor, t *domain.Transaction, action audit.Action, before domain.Status, description string) {
	entry := &audit.AuditEntry{
		EntityType:  audit.EntityTypeTransaction,
		EntityID:    t.ID.String(),
		Action:      action,
		Actor:       actor.ActorString(),
		ActorRole:   string(actor.Role),
		Description: description,
		NewValues:   map[string]interface{}{"status": t.Status, "items": t.Items},
		Metadata:    map[string]interface{}{"transactionId": t.TransactionID},
		OccurredAt:  t.UpdatedAt,
	}
	if before != "" {
		entry.OldValues = map[string]string{"status": string(before)}
	}
	j.Record(entry)
	j.Emit(notification.NewEvent(notification.EventTransactionUpdated, t.ID, &t.UserID, string(t.Status), t))
}

func canView(actor user.Actor, t *domain.Transaction) error {
	if actor.Role.IsStaff() || t.UserID == actor.UserID {
		return nil
	}
	return apperr.New(apperr.KindInsufficientRole, "transaction belongs to another user")
}
