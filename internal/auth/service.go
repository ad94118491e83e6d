package auth

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"rotarydesk/internal/db"
	"rotarydesk/internal/types"
)

// bcryptCost is the bcrypt cost factor used for password hashing.
const bcryptCost = 12

// AdminRepo is the operator lookup the credential service needs.
type AdminRepo interface {
	GetByUsername(ctx context.Context, username string) (*types.AdminUser, error)
}

var _ AdminRepo = (*db.AdminRepository)(nil)

// PasswordHasher abstracts bcrypt operations for testability.
type PasswordHasher interface {
	CompareHashAndPassword(hashedPassword, password string) error
	GenerateFromPassword(password string) (string, error)
}

// BcryptHasher is the production PasswordHasher.
type BcryptHasher struct{}

func (BcryptHasher) CompareHashAndPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func (BcryptHasher) GenerateFromPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CredentialService logs operators in and out.
type CredentialService struct {
	admins   AdminRepo
	sessions *SessionService
	guard    *LoginGuard
	hasher   PasswordHasher
	logger   *slog.Logger
}

// CredentialServiceConfig holds the dependencies of a CredentialService.
// Guard and Hasher are optional.
type CredentialServiceConfig struct {
	Admins   AdminRepo
	Sessions *SessionService
	Guard    *LoginGuard
	Hasher   PasswordHasher
	Logger   *slog.Logger
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(cfg CredentialServiceConfig) *CredentialService {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialService{
		admins:   cfg.Admins,
		sessions: cfg.Sessions,
		guard:    cfg.Guard,
		hasher:   hasher,
		logger:   logger,
	}
}

var errInvalidCreds = types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid username or password", nil)

// Login verifies credentials and opens a session. Unknown usernames and
// wrong passwords produce the same error.
func (s *CredentialService) Login(ctx context.Context, username, password, ip string) (*types.Session, error) {
	if username == "" || password == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "username and password are required", nil)
	}
	if s.guard != nil && !s.guard.Allowed(ctx, username, ip) {
		s.logger.WarnContext(ctx, "login blocked by failure threshold", "ip", ip)
		return nil, types.NewAppError(types.ErrCodeAuthLockedOut, "too many failed attempts, try again later", nil)
	}

	admin, err := s.admins.GetByUsername(ctx, username)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundAdmin {
			s.recordFailure(ctx, username, ip)
			return nil, errInvalidCreds
		}
		return nil, err
	}
	if err := s.hasher.CompareHashAndPassword(admin.PasswordHash, password); err != nil {
		s.recordFailure(ctx, username, ip)
		return nil, errInvalidCreds
	}

	session, err := s.sessions.CreateSession(ctx, admin)
	if err != nil {
		return nil, err
	}
	if s.guard != nil {
		s.guard.Reset(ctx, username)
	}
	s.logger.InfoContext(ctx, "admin logged in", "admin_id", admin.ID)
	return session, nil
}

func (s *CredentialService) recordFailure(ctx context.Context, username, ip string) {
	s.logger.InfoContext(ctx, "login failed", "ip", ip)
	if s.guard != nil {
		s.guard.RecordFailure(ctx, username, ip)
	}
}

// Logout ends the session.
func (s *CredentialService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.InvalidateSession(ctx, sessionID)
}

// Check validates a session token.
func (s *CredentialService) Check(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.sessions.ValidateSession(ctx, sessionID)
}

// SessionTTL is the lifetime of sessions issued by Login.
func (s *CredentialService) SessionTTL() int {
	return int(s.sessions.TTL().Seconds())
}
