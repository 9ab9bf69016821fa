package request

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	domain "github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Service is the reservation and request workflow.
type Service struct {
	exec             *journal.Executor
	machine          *keystate.Machine
	checkoutDuration time.Duration
	validate         *validator.Validate
	logger           zerolog.Logger
}

// NewService creates a request service.
func NewService(exec *journal.Executor, machine *keystate.Machine, checkoutDuration time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		exec:             exec,
		machine:          machine,
		checkoutDuration: checkoutDuration,
		validate:         validator.New(),
		logger:           logger.With().Str("service", "request").Logger(),
	}
}

// CreateInput defines a new request.
type CreateInput struct {
	KeyIDs         []uuid.UUID            `json:"keys" validate:"max=50"`
	PreferredDates []domain.PreferredDate `json:"preferredDates" validate:"max=10,dive"`
	Purpose        string                 `json:"purpose" validate:"max=500"`
}

// MessageInput defines a thread message.
type MessageInput struct {
	Content string `json:"content" validate:"required,max=2000"`
}

// Create reserves every requested key for the caller.
func (s *Service) Create(ctx context.Context, actor user.Actor, input CreateInput) (*domain.Request, error) {
	if len(input.KeyIDs) == 0 {
		return nil, apperr.New(apperr.KindEmptyRequest, "a request needs at least one key")
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid request", err)
	}
	keyIDs := dedupe(input.KeyIDs)

	var out *domain.Request
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		u, err := tx.Users().GetByID(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if u == nil || !u.IsActive() {
			return apperr.Newf(apperr.KindUserNotFound, "user not found: %s", actor.UserID)
		}

		now := s.machine.Now()
		var offending []uuid.UUID
		for _, id := range keyIDs {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k == nil || !k.Eligible(now) {
				offending = append(offending, id)
			}
		}
		if len(offending) > 0 {
			return apperr.WithIDs(apperr.KindKeysUnavailable, "keys cannot be reserved", offending)
		}

		r := domain.NewRequest(actor.UserID, keyIDs, input.PreferredDates, input.Purpose)
		r.CreatedAt = now
		r.UpdatedAt = now
		if err := tx.Requests().Create(ctx, r); err != nil {
			return err
		}
		available := key.StatusAvailable
		for _, id := range keyIDs {
			if _, err := s.machine.Transition(ctx, tx, id, &available, key.StatusReserved, keystate.Context{
				Actor:      actor,
				Origin:     keystate.OriginWorkflow,
				Request:    &r.ID,
				ReservedBy: &actor.UserID,
				Note:       "reserved by request",
			}, j); err != nil {
				return err
			}
		}
		record(j, actor, r, audit.ActionRequestCreate, "", fmt.Sprintf("request for %d keys", len(keyIDs)))
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("request", out.ID.String()).Str("actor", actor.ActorString()).Int("keys", len(out.KeyIDs)).Msg("request created")
	return out, nil
}

// Approve turns a pending request into an active transaction.
func (s *Service) Approve(ctx context.Context, actor user.Actor, requestID uuid.UUID) (*domain.Request, *transaction.Transaction, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, nil, err
	}
	var (
		outReq *domain.Request
		outTxn *transaction.Transaction
	)
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		r, err := s.load(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status != domain.StatusPending {
			return apperr.Newf(apperr.KindRequestNotPending, "request %s is %s", r.ID, r.Status)
		}
		if len(r.KeyIDs) == 0 {
			return apperr.Newf(apperr.KindEmptyRequest, "request %s has no keys", r.ID)
		}

		now := s.machine.Now()
		var offending []uuid.UUID
		for _, id := range r.KeyIDs {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k == nil || !(reservedFor(k, r.ID, now) || k.Eligible(now)) {
				offending = append(offending, id)
			}
		}
		if len(offending) > 0 {
			return apperr.WithIDs(apperr.KindKeysUnavailable, "keys are no longer available for this request", offending)
		}

		seq, err := tx.Transactions().NextSequence(ctx)
		if err != nil {
			return err
		}
		t := transaction.NewFromRequest(seq, r.ID, r.UserID, actor.UserID, r.KeyIDs, now, s.checkoutDuration)
		if err := tx.Transactions().Create(ctx, t); err != nil {
			return err
		}
		for _, id := range r.KeyIDs {
			if _, err := s.machine.Transition(ctx, tx, id, nil, key.StatusCheckedOut, keystate.Context{
				Actor:       actor,
				Origin:      keystate.OriginWorkflow,
				Transaction: &t.ID,
				Request:     &r.ID,
				Note:        "checked out on approval of request",
			}, j); err != nil {
				return err
			}
		}

		if err := r.Approve(actor.UserID, t.ID, now); err != nil {
			return err
		}
		if err := tx.Requests().Update(ctx, r); err != nil {
			return err
		}
		record(j, actor, r, audit.ActionRequestApprove, domain.StatusPending, "approved as "+t.TransactionID)
		j.Record(&audit.AuditEntry{
			EntityType:  audit.EntityTypeTransaction,
			EntityID:    t.ID.String(),
			Action:      audit.ActionTransactionCreate,
			Actor:       actor.ActorString(),
			ActorRole:   string(actor.Role),
			Description: fmt.Sprintf("%s created from request %s", t.TransactionID, r.ID),
			NewValues:   map[string]interface{}{"status": t.Status, "items": t.Items},
			Metadata:    map[string]interface{}{"transactionId": t.TransactionID, "request": r.ID.String()},
			OccurredAt:  now,
		})
		j.Emit(notification.NewEvent(notification.EventTransactionUpdated, t.ID, &t.UserID, string(t.Status), t))
		outReq, outTxn = r, t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().Str("request", outReq.ID.String()).Str("transactionId", outTxn.TransactionID).Msg("request approved")
	return outReq, outTxn, nil
}

// Reject releases the request's reservations and erases it from key history.
func (s *Service) Reject(ctx context.Context, actor user.Actor, requestID uuid.UUID) (*domain.Request, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	var out *domain.Request
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		r, err := s.load(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status != domain.StatusPending {
			return apperr.Newf(apperr.KindRequestNotPending, "request %s is %s", r.ID, r.Status)
		}

		now := s.machine.Now()
		reserved := key.StatusReserved
		for _, id := range r.KeyIDs {
			k, err := tx.Keys().GetByID(ctx, id)
			if err != nil {
				return err
			}
			if k == nil {
				continue
			}
			if k.Status == key.StatusReserved && k.CurrentRequest != nil && *k.CurrentRequest == r.ID {
				if k.ReservationExpired(now) {
					if _, err := s.machine.Expire(ctx, tx, k, actor, j); err != nil {
						return err
					}
				} else {
					k, err = s.machine.Transition(ctx, tx, id, &reserved, key.StatusAvailable, keystate.Context{
						Actor:   actor,
						Origin:  keystate.OriginWorkflow,
						Request: &r.ID,
						Note:    "request rejected",
					}, j)
					if err != nil {
						return err
					}
				}
			}
			if k.StripRequest(r.ID) > 0 {
				k.UpdatedAt = now
				if err := tx.Keys().Update(ctx, k); err != nil {
					return err
				}
			}
		}

		if err := r.Reject(actor.UserID, now); err != nil {
			return err
		}
		if err := tx.Requests().Update(ctx, r); err != nil {
			return err
		}
		record(j, actor, r, audit.ActionRequestReject, domain.StatusPending, "request rejected")
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddMessage appends to the request thread. Only the requester and staff may post.
func (s *Service) AddMessage(ctx context.Context, actor user.Actor, requestID uuid.UUID, input MessageInput) (*domain.Request, error) {
	input.Content = strings.TrimSpace(input.Content)
	if err := s.validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid message", err)
	}
	var out *domain.Request
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		r, err := s.load(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := canView(actor, r); err != nil {
			return err
		}
		r.AddMessage(actor.UserID, input.Content, s.machine.Now())
		if err := tx.Requests().Update(ctx, r); err != nil {
			return err
		}
		record(j, actor, r, audit.ActionRequestMessage, "", "message added")
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, actor user.Actor, requestID uuid.UUID) (*domain.Request, error) {
	var out *domain.Request
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := s.load(ctx, tx, requestID)
		out = r
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

// ListForUser returns the caller's own requests, newest first.
func (s *Service) ListForUser(ctx context.Context, actor user.Actor, limit, offset int) ([]*domain.Request, error) {
	return s.list(ctx, domain.Filter{UserID: &actor.UserID}, limit, offset)
}

func (s *Service) ListPending(ctx context.Context, actor user.Actor, limit, offset int) ([]*domain.Request, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	pending := domain.StatusPending
	return s.list(ctx, domain.Filter{Status: &pending}, limit, offset)
}

func (s *Service) list(ctx context.Context, filter domain.Filter, limit, offset int) ([]*domain.Request, error) {
	var out []*domain.Request
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Requests().List(ctx, filter, limit, offset)
		return err
	})
	return out, err
}

func (s *Service) load(ctx context.Context, tx store.Tx, requestID uuid.UUID) (*domain.Request, error) {
	r, err := tx.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "request not found: %s", requestID)
	}
	return r, nil
}

func reservedFor(k *key.Key, requestID uuid.UUID, now time.Time) bool {
	return k.Status == key.StatusReserved && !k.ReservationExpired(now) &&
		k.CurrentRequest != nil && *k.CurrentRequest == requestID && !k.IsClaimed()
}

func record(j *journal.Journal, actor user.Actor, r *domain.Request, action audit.Action, before domain.Status, description string) {
	entry := &audit.AuditEntry{
		EntityType:  audit.EntityTypeRequest,
		EntityID:    r.ID.String(),
		Action:      action,
		Actor:       actor.ActorString(),
		ActorRole:   string(actor.Role),
		Description: description,
		NewValues:   map[string]interface{}{"status": r.Status, "keys": r.KeyIDs},
		OccurredAt:  r.UpdatedAt,
	}
	if before != "" {
		entry.OldValues = map[string]string{"status": string(before)}
	}
	j.Record(entry)
	j.Emit(notification.NewEvent(notification.EventRequestUpdated, r.ID, &r.UserID, string(r.Status), r))
}

func canView(actor user.Actor, r *domain.Request) error {
	if actor.Role.IsStaff() || r.UserID == actor.UserID {
		return nil
	}
	return apperr.New(apperr.KindInsufficientRole, "request belongs to another user")
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
