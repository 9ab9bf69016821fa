package httpapi

import (
	"context"

	"github.com/keyhub/keyhub/internal/domain/user"
)

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser represents the identified caller in context.
type AuthUser struct {
	User  *user.User
	Actor user.Actor
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	val := ctx.Value(authUserKey)
	if v, ok := val.(*AuthUser); ok {
		return v
	}
	return nil
}

// actorFromContext returns the caller's actor. identify guarantees one on /v1.
func actorFromContext(ctx context.Context) user.Actor {
	if u := authUserFromContext(ctx); u != nil {
		return u.Actor
	}
	return user.Actor{}
}
