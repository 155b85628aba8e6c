package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/models"
)

const sessionIDBytes = 32

// NewSessionID generates an opaque random session identifier.
func NewSessionID() string {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// CreateSession inserts a browser session.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, plaintext_key, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, nullString(sess.UserID), nullString(sess.PlaintextKey), toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// SessionByID fetches an unexpired session.
func (s *Store) SessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, plaintext_key, expires_at FROM sessions WHERE id = ?`, id)

	var (
		sess             models.Session
		userID, plainKey sql.NullString
		expiresAt        int64
	)
	err := row.Scan(&sess.ID, &userID, &plainKey, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.UserID = stringPtr(userID)
	sess.PlaintextKey = stringPtr(plainKey)
	sess.ExpiresAt = fromMillis(expiresAt)

	if time.Now().After(sess.ExpiresAt) {
		return nil, bridgeerrors.ErrNotFound
	}

	return &sess, nil
}

// AttachSessionUser binds a user to an existing session.
func (s *Store) AttachSessionUser(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user_id = ? WHERE id = ?`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("attaching session user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerrors.ErrNotFound
	}
	return nil
}

// StashSessionKey stores a freshly issued plaintext API key on the
// session for exactly one later read.
func (s *Store) StashSessionKey(ctx context.Context, sessionID, plaintextKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET plaintext_key = ? WHERE id = ?`, plaintextKey, sessionID)
	if err != nil {
		return fmt.Errorf("stashing session key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerrors.ErrNotFound
	}
	return nil
}

// TakeSessionKey reads and clears the pending plaintext API key. The
// clear is a compare-and-set on the read value, so concurrent readers
// observe the key at most once between them.
func (s *Store) TakeSessionKey(ctx context.Context, sessionID string) (string, error) {
	var key sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT plaintext_key FROM sessions WHERE id = ?`, sessionID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", bridgeerrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading session key: %w", err)
	}
	if !key.Valid || key.String == "" {
		return "", bridgeerrors.ErrNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET plaintext_key = NULL WHERE id = ? AND plaintext_key = ?`,
		sessionID, key.String)
	if err != nil {
		return "", fmt.Errorf("clearing session key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another reader.
		return "", bridgeerrors.ErrNotFound
	}

	return key.String, nil
}

// DeleteSession removes a session (logout).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// IssueMagicLink inserts a login link token for an email address,
// enforcing the per-address cooldown. When the address requested a link
// within the cooldown window, ErrRateLimited is returned along with the
// remaining wait.
func (s *Store) IssueMagicLink(ctx context.Context, email, token string, ttl, cooldown time.Duration) (time.Duration, error) {
	now := time.Now()

	var lastIssued sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM magic_links WHERE email = ?`, email).Scan(&lastIssued)
	if err != nil {
		return 0, fmt.Errorf("checking magic link cooldown: %w", err)
	}

	if lastIssued.Valid {
		elapsed := now.Sub(fromMillis(lastIssued.Int64))
		if elapsed < cooldown {
			return cooldown - elapsed, bridgeerrors.ErrRateLimited
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO magic_links (token, email, created_at, expires_at, used) VALUES (?, ?, ?, ?, 0)`,
		token, email, toMillis(now), toMillis(now.Add(ttl)))
	if err != nil {
		return 0, fmt.Errorf("inserting magic link: %w", err)
	}

	return 0, nil
}

// ConsumeMagicLink marks a link used and returns its email. Links are
// single use: the conditional UPDATE fails for used, unknown, or
// expired tokens alike.
func (s *Store) ConsumeMagicLink(ctx context.Context, token string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE magic_links SET used = 1
		 WHERE token = ? AND used = 0 AND expires_at > ?
		 RETURNING email`, token, toMillis(time.Now()))

	var email string
	err := row.Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", bridgeerrors.ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("consuming magic link: %w", err)
	}
	return email, nil
}

// SweepExpired removes expired sessions, auth codes, oauth tokens, and
// magic links. Used links past expiry are removed too; their issuance
// times have aged out of any cooldown window by then.
func (s *Store) SweepExpired(ctx context.Context) error {
	now := toMillis(time.Now())

	for _, q := range []string{
		`DELETE FROM sessions WHERE expires_at < ?`,
		`DELETE FROM auth_codes WHERE expires_at < ?`,
		`DELETE FROM oauth_tokens WHERE expires_at < ?`,
		`DELETE FROM magic_links WHERE expires_at < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, now); err != nil {
			return fmt.Errorf("sweeping expired rows: %w", err)
		}
	}

	return nil
}
