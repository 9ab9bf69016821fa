package key

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/application/keystate"
	"github.com/keyhub/keyhub/internal/domain/audit"
	domain "github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/request"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// Service manages the key catalogue. Status changes go through the state machine.
type Service struct {
	exec     *journal.Executor
	machine  *keystate.Machine
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewService(exec *journal.Executor, machine *keystate.Machine, logger zerolog.Logger) *Service {
	return &Service{
		exec:     exec,
		machine:  machine,
		validate: validator.New(),
		logger:   logger.With().Str("service", "key").Logger(),
	}
}

// CreateInput defines key creation input.
type CreateInput struct {
	Code        string `json:"code" validate:"required,max=50"`
	Description string `json:"description" validate:"max=500"`
	Type        string `json:"type" validate:"max=50"`
	Location    string `json:"location" validate:"max=200"`
}

// UpdateInput changes descriptive fields only.
type UpdateInput struct {
	Description *string `json:"description" validate:"omitempty,max=500"`
	Type        *string `json:"type" validate:"omitempty,max=50"`
	Location    *string `json:"location" validate:"omitempty,max=200"`
}

func (s *Service) Create(ctx context.Context, actor user.Actor, input CreateInput) (*domain.Key, error) {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return nil, err
	}
	input.Code = strings.TrimSpace(input.Code)
	if err := s.validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid key", err)
	}

	k := domain.NewKey(input.Code, input.Description, input.Type, input.Location)
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		existing, err := tx.Keys().GetByCode(ctx, k.Code)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Newf(apperr.KindConflict, "key code %q already exists", k.Code)
		}
		if err := tx.Keys().Create(ctx, k); err != nil {
			return err
		}
		s.record(j, actor, k, audit.ActionKeyCreated, fmt.Sprintf("key %s created", k.Code), nil, map[string]string{"status": string(k.Status)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("keyId", k.ID.String()).Str("code", k.Code).Msg("key created")
	return k, nil
}

// Get returns the key with a lapsed reservation shown as available.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Key, error) {
	var out *domain.Key
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		k, err := tx.Keys().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if k == nil {
			return apperr.Newf(apperr.KindNotFound, "key not found: %s", id)
		}
		out = k.Normalize(s.machine.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Key, error) {
	var out *domain.Key
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		k, err := tx.Keys().GetByCode(ctx, strings.TrimSpace(code))
		if err != nil {
			return err
		}
		if k == nil {
			return apperr.Newf(apperr.KindNotFound, "key not found: %s", code)
		}
		out = k.Normalize(s.machine.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, filter domain.Filter, limit, offset int) ([]*domain.Key, error) {
	if filter.Status != nil {
		if err := domain.ValidateStatus(*filter.Status); err != nil {
			return nil, err
		}
	}
	now := s.machine.Now()
	filter.Now = now
	var out []*domain.Key
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		keys, err := tx.Keys().List(ctx, filter, limit, offset)
		if err != nil {
			return err
		}
		out = make([]*domain.Key, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.Normalize(now))
		}
		return nil
	})
	return out, err
}

func (s *Service) UpdateDetails(ctx context.Context, actor user.Actor, id uuid.UUID, input UpdateInput) (*domain.Key, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid key update", err)
	}
	var out *domain.Key
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		k, err := tx.Keys().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if k == nil {
			return apperr.Newf(apperr.KindNotFound, "key not found: %s", id)
		}
		before := map[string]string{"description": k.Description, "type": k.Type, "location": k.Location}
		if input.Description != nil {
			k.Description = *input.Description
		}
		if input.Type != nil {
			k.Type = *input.Type
		}
		if input.Location != nil {
			k.Location = *input.Location
		}
		k.UpdatedAt = s.machine.Now()
		if err := tx.Keys().Update(ctx, k); err != nil {
			return err
		}
		after := map[string]string{"description": k.Description, "type": k.Type, "location": k.Location}
		s.record(j, actor, k, audit.ActionKeyUpdated, fmt.Sprintf("key %s details updated", k.Code), before, after)
		out = k.Normalize(s.machine.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionStatus is the direct status write used by staff, for example
// taking a key out of service or recovering a lost one.
func (s *Service) TransitionStatus(ctx context.Context, actor user.Actor, id uuid.UUID, from *domain.Status, to domain.Status, note string) (*domain.Key, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	if err := domain.ValidateStatus(to); err != nil {
		return nil, err
	}
	var out *domain.Key
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		k, err := s.machine.Transition(ctx, tx, id, from, to, keystate.Context{
			Actor:  actor,
			Origin: keystate.OriginDirect,
			Note:   note,
		}, j)
		if err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("keyId", id.String()).Str("status", string(to)).Str("actor", actor.ActorString()).Msg("key status changed")
	return out, nil
}

// Delete removes a key nothing refers to.
func (s *Service) Delete(ctx context.Context, actor user.Actor, id uuid.UUID) error {
	if err := actor.Require(user.RoleAdmin); err != nil {
		return err
	}
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		k, err := tx.Keys().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if k == nil {
			return apperr.Newf(apperr.KindNotFound, "key not found: %s", id)
		}
		now := s.machine.Now()
		if k.IsClaimed() || k.EffectiveStatus(now) == domain.StatusReserved || k.Status == domain.StatusCheckedOut {
			return apperr.WithIDs(apperr.KindKeyReferenced, fmt.Sprintf("key %s is %s", k.Code, k.EffectiveStatus(now)), []uuid.UUID{k.ID})
		}
		txns, err := tx.Transactions().List(ctx, transaction.Filter{KeyID: &k.ID}, 0, 0)
		if err != nil {
			return err
		}
		reqs, err := tx.Requests().ListPendingByKeys(ctx, []uuid.UUID{k.ID})
		if err != nil {
			return err
		}
		if len(txns) > 0 || len(reqs) > 0 {
			return apperr.WithIDs(apperr.KindKeyReferenced, "key is referenced", referencing(txns, reqs))
		}
		if err := tx.Keys().Delete(ctx, k.ID); err != nil {
			return err
		}
		s.record(j, actor, k, audit.ActionKeyDeleted, fmt.Sprintf("key %s deleted", k.Code), map[string]string{"status": string(k.Status)}, nil)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn().Str("keyId", id.String()).Str("actor", actor.ActorString()).Msg("key deleted")
	return nil
}

// History returns the key's history entries, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]domain.HistoryEntry, error) {
	k, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if k.History == nil {
		return []domain.HistoryEntry{}, nil
	}
	return k.History, nil
}

func (s *Service) record(j *journal.Journal, actor user.Actor, k *domain.Key, action audit.Action, description string, before, after interface{}) {
	j.Record(&audit.AuditEntry{
		EntityType:  audit.EntityTypeKey,
		EntityID:    k.ID.String(),
		Action:      action,
		Actor:       actor.ActorString(),
		ActorRole:   string(actor.Role),
		Description: description,
		OldValues:   before,
		NewValues:   after,
		Metadata:    map[string]interface{}{"code": k.Code},
		OccurredAt:  s.machine.Now(),
	})
	j.Emit(notification.NewEvent(notification.EventKeyUpdated, k.ID, nil, string(k.Status), k))
}

func referencing(txns []*transaction.Transaction, reqs []*request.Request) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(txns)+len(reqs))
	for _, t := range txns {
		ids = append(ids, t.ID)
	}
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return ids
}
