package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"rotarydesk/internal/types"
)

// SessionConfig holds configuration for session management.
type SessionConfig struct {
	// TTL is the lifetime of a new session. Default: 24 hours.
	TTL time.Duration

	// IDPrefix is prepended to generated session tokens.
	IDPrefix string
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:      24 * time.Hour,
		IDPrefix: "sess_",
	}
}

// SessionStore persists sessions keyed by their opaque token. Create must
// make the session expire on its own after ttl; Sweep removes whatever the
// backend still holds past now and reports how many it removed.
type SessionStore interface {
	Create(ctx context.Context, session *types.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*types.Session, error)
	Delete(ctx context.Context, id string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// TokenGenerator abstracts entropy sources for testability.
type TokenGenerator interface {
	GenerateSessionID() (string, error)
}

// randomTokens draws 32 bytes from crypto/rand per token.
type randomTokens struct {
	prefix string
}

func (g randomTokens) GenerateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return g.prefix + hex.EncodeToString(b), nil
}

// SessionService issues and validates dashboard sessions. Expiry is checked
// here against the clock, independent of whether the store has already
// evicted the key.
type SessionService struct {
	store    SessionStore
	tokenGen TokenGenerator
	config   SessionConfig
	clock    types.Clock
	logger   *slog.Logger
}

// NewSessionService creates a SessionService. A nil tokenGen uses
// crypto/rand; a zero TTL uses the default.
func NewSessionService(
	store SessionStore,
	tokenGen TokenGenerator,
	config SessionConfig,
	clock types.Clock,
	logger *slog.Logger,
) *SessionService {
	if config.TTL <= 0 {
		config.TTL = DefaultSessionConfig().TTL
	}
	if tokenGen == nil {
		tokenGen = randomTokens{prefix: config.IDPrefix}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		store:    store,
		tokenGen: tokenGen,
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

// TTL is the lifetime given to new sessions.
func (s *SessionService) TTL() time.Duration { return s.config.TTL }

// CreateSession stores a new session for admin and returns it. The session
// ID is the token the client presents.
func (s *SessionService) CreateSession(ctx context.Context, admin *types.AdminUser) (*types.Session, error) {
	id, err := s.tokenGen.GenerateSessionID()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate session ID", err)
	}

	now := s.clock.Now()
	session := &types.Session{
		ID:        id,
		AdminID:   admin.ID,
		Username:  admin.Username,
		Role:      admin.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTL),
	}
	if err := s.store.Create(ctx, session, s.config.TTL); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "session created",
		"admin_id", admin.ID,
		"expires_at", session.ExpiresAt,
	)
	return session, nil
}

// ValidateSession returns the session for id if it exists and has not
// expired. An expired session is deleted on the way out.
func (s *SessionService) ValidateSession(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "session token is required", nil)
	}
	session, err := s.store.Get(ctx, id)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSession {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session not found", nil)
		}
		return nil, err
	}

	if !s.clock.Now().Before(session.ExpiresAt) {
		s.logger.InfoContext(ctx, "session expired",
			"admin_id", session.AdminID,
			"expired_at", session.ExpiresAt,
		)
		if delErr := s.store.Delete(ctx, id); delErr != nil {
			s.logger.WarnContext(ctx, "failed to delete expired session", "error", delErr)
		}
		return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session has expired", nil)
	}
	return session, nil
}

// InvalidateSession deletes a session. Deleting an unknown id is not an error.
func (s *SessionService) InvalidateSession(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "session invalidated")
	return nil
}

// Sweep removes expired sessions from the store.
func (s *SessionService) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.Sweep(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired sessions swept", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SessionService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "session sweep failed", "error", err)
			}
		}
	}
}
