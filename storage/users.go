package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/domain"
)

const userColumns = `id, username, email, full_name, hashed_password, is_active, is_admin, created_at, updated_at`

// CreateUser inserts u and sets its ID. Duplicate usernames or emails yield
// domain.ErrConflict.
func (s *Storage) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := s.db.GetContext(ctx, &u.ID, s.db.Rebind(`INSERT INTO users (
		username, email, full_name, hashed_password, is_active, is_admin, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		u.Username, u.Email, u.FullName, u.PasswordHash, u.IsActive, u.IsAdmin, u.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already registered", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *Storage) getUser(ctx context.Context, where string, args ...any) (domain.User, error) {
	var u domain.User
	err := s.db.GetContext(ctx, &u, s.db.Rebind("SELECT "+userColumns+" FROM users WHERE "+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}

// UserByID loads a user by primary key.
func (s *Storage) UserByID(ctx context.Context, id int64) (domain.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// UserByUsername loads a user by exact username.
func (s *Storage) UserByUsername(ctx context.Context, username string) (domain.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

// UserByLogin matches either the username or the email address.
func (s *Storage) UserByLogin(ctx context.Context, login string) (domain.User, error) {
	return s.getUser(ctx, "username = ? OR email = ? ORDER BY id LIMIT 1", login, login)
}

// UserExists reports whether the username or email is already taken.
func (s *Storage) UserExists(ctx context.Context, username, email string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM users WHERE username = ? OR email = ?"), username, email); err != nil {
		return false, fmt.Errorf("checking user: %w", err)
	}
	return n > 0, nil
}

// SetUserActive toggles the active flag that gates mutations.
func (s *Storage) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?"), active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating user %d: %w", id, err)
	}
	return expectAffected(res)
}
