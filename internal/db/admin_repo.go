package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rotarydesk/internal/types"
)

// AdminRepository provides data access for the dashboard operators table.
type AdminRepository struct {
	db DBTX
}

// NewAdminRepository creates a new AdminRepository.
func NewAdminRepository(db DBTX) *AdminRepository {
	return &AdminRepository{db: db}
}

// GetByUsername retrieves an operator by login name.
// Returns ErrCodeNotFoundAdmin if no row matches.
func (r *AdminRepository) GetByUsername(ctx context.Context, username string) (*types.AdminUser, error) {
	var u types.AdminUser
	err := r.db.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM users
		 WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAdmin, "admin user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve admin user", err)
	}
	return &u, nil
}

// Upsert creates the operator or, when the username exists, replaces its
// password hash and role.
func (r *AdminRepository) Upsert(ctx context.Context, username, passwordHash, role string) (*types.AdminUser, error) {
	var u types.AdminUser
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (username) DO UPDATE
		 SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role
		 RETURNING id, username, password_hash, role, created_at`,
		uuid.NewString(), username, passwordHash, role,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to save admin user", err)
	}
	return &u, nil
}
