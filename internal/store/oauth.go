package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/models"
)

// SaveAuthCode stores a pending authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, ac *models.AuthCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (code, client_id, redirect_uri, code_challenge, scope, user_id, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ac.Code, ac.ClientID, ac.RedirectURI, ac.CodeChallenge, ac.Scope, ac.UserID, toMillis(ac.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode retrieves and deletes an authorization code in one
// pass. The delete happens regardless of expiry, so a code is burnt on
// its first presentation: a failed PKCE check afterwards cannot be
// retried against the same code.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*models.AuthCode, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM auth_codes WHERE code = ?
		 RETURNING code, client_id, redirect_uri, code_challenge, scope, user_id, expires_at`, code)

	var (
		ac        models.AuthCode
		expiresAt int64
	)
	err := row.Scan(&ac.Code, &ac.ClientID, &ac.RedirectURI, &ac.CodeChallenge,
		&ac.Scope, &ac.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("consuming auth code: %w", err)
	}

	ac.ExpiresAt = fromMillis(expiresAt)
	if time.Now().After(ac.ExpiresAt) {
		return nil, bridgeerrors.ErrInvalidGrant
	}

	return &ac, nil
}

// SaveOAuthToken stores an issued access token.
func (s *Store) SaveOAuthToken(ctx context.Context, t *models.OAuthToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (token, user_id, scope, expires_at) VALUES (?, ?, ?, ?)`,
		t.Token, t.UserID, t.Scope, toMillis(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving oauth token: %w", err)
	}
	return nil
}

// OAuthTokenByValue resolves a presented bearer token. Expired tokens
// resolve to ErrInvalidCredential, indistinguishable from absent ones.
func (s *Store) OAuthTokenByValue(ctx context.Context, token string) (*models.OAuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, scope, expires_at FROM oauth_tokens WHERE token = ?`, token)

	var (
		t         models.OAuthToken
		expiresAt int64
	)
	err := row.Scan(&t.Token, &t.UserID, &t.Scope, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("querying oauth token: %w", err)
	}

	t.ExpiresAt = fromMillis(expiresAt)
	if time.Now().After(t.ExpiresAt) {
		return nil, bridgeerrors.ErrInvalidCredential
	}

	return &t, nil
}
