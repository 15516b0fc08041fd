package storage

import (
	"context"
	"fmt"
	"time"

	"taskboard/domain"
)

const sessionColumns = `id, user_id, session_token, expires_at, created_at, last_activity, user_agent, ip_address, is_active`

// StartSession deactivates the user's active sessions and records sess as
// the new one.
func (s *Storage) StartSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	sess.IsActive = true

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE user_sessions SET is_active = ? WHERE user_id = ? AND is_active = ?"), false, sess.UserID, true); err != nil {
		return fmt.Errorf("deactivating sessions: %w", err)
	}
	err = tx.GetContext(ctx, &sess.ID, tx.Rebind(`INSERT INTO user_sessions (
		user_id, session_token, expires_at, created_at, last_activity, user_agent, ip_address, is_active
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		sess.UserID, sess.Token, sess.ExpiresAt.UTC(), sess.CreatedAt.UTC(), sess.LastActivity.UTC(),
		sess.UserAgent, sess.IPAddress, true,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return tx.Commit()
}

// ActiveSessions lists the user's sessions still flagged active.
func (s *Storage) ActiveSessions(ctx context.Context, userID int64) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(
		"SELECT "+sessionColumns+" FROM user_sessions WHERE user_id = ? AND is_active = ? ORDER BY created_at DESC, id DESC"),
		userID, true)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession deactivates one of the user's sessions.
func (s *Storage) RevokeSession(ctx context.Context, userID, sessionID int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE user_sessions SET is_active = ? WHERE id = ? AND user_id = ?"), false, sessionID, userID)
	if err != nil {
		return fmt.Errorf("revoking session %d: %w", sessionID, err)
	}
	return expectAffected(res)
}

// EndSessions deactivates every active session of the user.
func (s *Storage) EndSessions(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE user_sessions SET is_active = ? WHERE user_id = ? AND is_active = ?"), false, userID, true)
	if err != nil {
		return 0, fmt.Errorf("ending sessions: %w", err)
	}
	return res.RowsAffected()
}

// ExpireSessions deactivates sessions whose expiry is before now.
func (s *Storage) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE user_sessions SET is_active = ? WHERE expires_at < ? AND is_active = ?"), false, now.UTC(), true)
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	return res.RowsAffected()
}
