package core

import (
	"context"
	"time"

	"rotarydesk/internal/types"
)

// Authenticator resolves request credentials into an Actor.
type Authenticator interface {
	// ResolveSession resolves a dashboard session cookie. It returns
	// auth_token_invalid for unknown sessions and auth_session_expired for
	// expired ones.
	ResolveSession(ctx context.Context, sessionID string) (*types.Actor, error)

	// ResolveServiceKey resolves the x-api-key header used by schedulers.
	ResolveServiceKey(ctx context.Context, key string) (*types.Actor, error)
}

// RateLimitStore counts requests per key over a fixed window.
type RateLimitStore interface {
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult is the outcome of one IncrementAndCheck call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
