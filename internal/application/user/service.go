package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/store"
	domain "github.com/keyhub/keyhub/internal/domain/user"
)

// Service handles user management.
type Service struct {
	exec     *journal.Executor
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService creates a user service.
func NewService(exec *journal.Executor, logger zerolog.Logger) *Service {
	return &Service{
		exec:     exec,
		validate: validator.New(),
		logger:   logger.With().Str("service", "user").Logger(),
	}
}

// CreateInput defines user creation input.
type CreateInput struct {
	Username   string      `json:"username" validate:"required"`
	Name       string      `json:"name" validate:"required,max=200"`
	Email      string      `json:"email" validate:"omitempty,email"`
	Department string      `json:"department" validate:"max=100"`
	Role       domain.Role `json:"role" validate:"required,oneof=admin issuer user"`
}

func (s *Service) Create(ctx context.Context, actor domain.Actor, input CreateInput) (*domain.User, error) {
	if err := actor.Require(domain.RoleAdmin); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid user", err)
	}
	username := domain.NormalizeUsername(input.Username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid username", err)
	}

	now := time.Now().UTC()
	u := &domain.User{
		ID:         uuid.New(),
		Username:   username,
		Name:       input.Name,
		Email:      input.Email,
		Department: input.Department,
		Role:       input.Role,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		if err := tx.Users().Create(ctx, u); err != nil {
			return err
		}
		j.Record(&audit.AuditEntry{
			EntityType:  audit.EntityTypeUser,
			EntityID:    u.ID.String(),
			Action:      audit.ActionUserCreated,
			Actor:       actor.ActorString(),
			ActorRole:   string(actor.Role),
			Description: "user " + u.Username + " created",
			NewValues:   map[string]string{"role": string(u.Role), "status": string(u.Status)},
			OccurredAt:  now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", u.ID.String()).Str("username", u.Username).Msg("user created")
	return u, nil
}

// SetStatus enables or disables a user.
func (s *Service) SetStatus(ctx context.Context, actor domain.Actor, userID uuid.UUID, status domain.Status) (*domain.User, error) {
	if err := actor.Require(domain.RoleAdmin); err != nil {
		return nil, err
	}
	if err := domain.ValidateStatus(status); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid status", err)
	}
	var out *domain.User
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		u, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return apperr.Newf(apperr.KindUserNotFound, "user not found: %s", userID)
		}
		before := u.Status
		u.Status = status
		u.UpdatedAt = time.Now().UTC()
		if err := tx.Users().Update(ctx, u); err != nil {
			return err
		}
		j.Record(&audit.AuditEntry{
			EntityType:  audit.EntityTypeUser,
			EntityID:    u.ID.String(),
			Action:      audit.ActionUserModified,
			Actor:       actor.ActorString(),
			ActorRole:   string(actor.Role),
			Description: "user " + u.Username + " is now " + string(status),
			OldValues:   map[string]string{"status": string(before)},
			NewValues:   map[string]string{"status": string(status)},
			OccurredAt:  u.UpdatedAt,
		})
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a user. Non-admins may only read themselves.
func (s *Service) Get(ctx context.Context, actor domain.Actor, userID uuid.UUID) (*domain.User, error) {
	if actor.UserID != userID {
		if err := actor.Require(domain.RoleAdmin, domain.RoleIssuer); err != nil {
			return nil, err
		}
	}
	u, err := s.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.Newf(apperr.KindUserNotFound, "user not found: %s", userID)
	}
	return u, nil
}

// Lookup loads a user without role checks. It backs identity resolution.
func (s *Service) Lookup(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var out *domain.User
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Users().GetByID(ctx, userID)
		return err
	})
	return out, err
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var out *domain.User
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Users().GetByUsername(ctx, domain.NormalizeUsername(username))
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, actor domain.Actor, filter domain.Filter, limit, offset int) ([]*domain.User, error) {
	if err := actor.Require(domain.RoleAdmin); err != nil {
		return nil, err
	}
	var out []*domain.User
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Users().List(ctx, filter, limit, offset)
		return err
	})
	return out, err
}

// EnsureBootstrapAdmin creates an admin named username when no user exists yet.
// It returns the created user, or nil when users were already present.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username string) (*domain.User, error) {
	username = domain.NormalizeUsername(username)
	if username == "" {
		return nil, nil
	}
	if err := domain.ValidateUsername(username); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid bootstrap admin username", err)
	}
	var created *domain.User
	err := s.exec.Do(ctx, func(ctx context.Context, tx store.Tx, j *journal.Journal) error {
		created = nil
		n, err := tx.Users().Count(ctx)
		if err != nil || n > 0 {
			return err
		}
		now := time.Now().UTC()
		u := &domain.User{
			ID:        uuid.New(),
			Username:  username,
			Name:      username,
			Role:      domain.RoleAdmin,
			Status:    domain.StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Users().Create(ctx, u); err != nil {
			return err
		}
		j.Record(&audit.AuditEntry{
			EntityType:  audit.EntityTypeUser,
			EntityID:    u.ID.String(),
			Action:      audit.ActionUserCreated,
			Actor:       domain.SystemActor.ActorString(),
			ActorRole:   string(domain.RoleAdmin),
			Description: "bootstrap admin " + u.Username + " created",
			OccurredAt:  now,
		})
		created = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		s.logger.Warn().Str("user_id", created.ID.String()).Str("username", created.Username).Msg("bootstrap admin created")
	}
	return created, nil
}
