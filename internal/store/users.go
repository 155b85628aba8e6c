package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edubridge/canvas-mcp/internal/crypto"
	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/models"
)

const (
	// APIKeyPrefix marks issued API keys so the auth gate can tell them
	// apart from OAuth bearer tokens.
	APIKeyPrefix = "cnv_"

	// apiKeyBytes is the entropy of an issued API key (hex-encoded to
	// twice this length after the prefix).
	apiKeyBytes = 32
)

// GenerateAPIKey creates a fresh plaintext API key. The caller is
// responsible for hashing before persistence; the plaintext is shown to
// the user exactly once and never stored.
func GenerateAPIKey() string {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return APIKeyPrefix + hex.EncodeToString(b)
}

const userColumns = `id, canvas_user_id, canvas_domain, email, access_token_enc,
refresh_token_enc, api_key_hash, token_expires_at, created_at, last_used_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u                                  models.User
		canvasUserID, canvasDomain, email  sql.NullString
		accessEnc, refreshEnc, keyHash     sql.NullString
		tokenExpires                       sql.NullInt64
		createdAt, lastUsedAt              int64
	)

	err := row.Scan(&u.ID, &canvasUserID, &canvasDomain, &email, &accessEnc,
		&refreshEnc, &keyHash, &tokenExpires, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}

	u.CanvasUserID = stringPtr(canvasUserID)
	u.CanvasDomain = stringPtr(canvasDomain)
	u.Email = stringPtr(email)
	u.AccessTokenEnc = stringPtr(accessEnc)
	u.RefreshTokenEnc = stringPtr(refreshEnc)
	u.APIKeyHash = stringPtr(keyHash)
	u.TokenExpiresAt = timePtr(tokenExpires)
	u.CreatedAt = fromMillis(createdAt)
	u.LastUsedAt = fromMillis(lastUsedAt)

	return &u, nil
}

// UserByID fetches one user row.
func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return u, nil
}

// UserByCanvasID fetches a user by Canvas identity.
func (s *Store) UserByCanvasID(ctx context.Context, canvasUserID, canvasDomain string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE canvas_user_id = ? AND canvas_domain = ?`,
		canvasUserID, canvasDomain)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by canvas id: %w", err)
	}
	return u, nil
}

// UserByEmail fetches the oldest user row for an email address.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? ORDER BY created_at LIMIT 1`, email)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}

// CreateUser inserts a bare, pre-activation user row (magic-link flow).
func (s *Store) CreateUser(ctx context.Context, email string) (*models.User, error) {
	now := time.Now()
	u := &models.User{
		ID:         uuid.NewString(),
		Email:      &email,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at, last_used_at) VALUES (?, ?, ?, ?)`,
		u.ID, email, toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return u, nil
}

// LinkCanvasResult is returned by LinkCanvas. PlaintextKey is non-empty
// only when this call issued a key; it is never persisted.
type LinkCanvasResult struct {
	User         *models.User
	PlaintextKey string
}

// LinkCanvas creates or links a user to verified Canvas credentials and
// issues an API key if the user does not have one yet. Lookup order:
// Canvas identity first, then email match for pre-activated magic-link
// accounts, then a fresh row.
//
// The key issue is guarded by a conditional UPDATE on api_key_hash IS
// NULL so two racing requests for the same user cannot both issue keys.
func (s *Store) LinkCanvas(ctx context.Context, canvasUserID, canvasDomain, email, accessTokenEnc string, refreshTokenEnc *string, tokenExpiresAt *time.Time) (*LinkCanvasResult, error) {
	u, err := s.UserByCanvasID(ctx, canvasUserID, canvasDomain)
	if errors.Is(err, bridgeerrors.ErrNotFound) && email != "" {
		u, err = s.UserByEmail(ctx, email)
	}

	now := time.Now()

	if errors.Is(err, bridgeerrors.ErrNotFound) {
		u = &models.User{
			ID:         uuid.NewString(),
			CreatedAt:  now,
			LastUsedAt: now,
		}

		var emailCol sql.NullString
		if email != "" {
			emailCol = sql.NullString{String: email, Valid: true}
		}

		_, insErr := s.db.ExecContext(ctx,
			`INSERT INTO users (id, canvas_user_id, canvas_domain, email, access_token_enc,
			 refresh_token_enc, token_expires_at, created_at, last_used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, canvasUserID, canvasDomain, emailCol, accessTokenEnc,
			nullString(refreshTokenEnc), nullMillis(tokenExpiresAt),
			toMillis(now), toMillis(now))
		if insErr != nil {
			return nil, fmt.Errorf("inserting linked user: %w", insErr)
		}
	} else if err != nil {
		return nil, err
	} else {
		// Relink: refresh the Canvas identity and stored tokens.
		_, updErr := s.db.ExecContext(ctx,
			`UPDATE users SET canvas_user_id = ?, canvas_domain = ?, access_token_enc = ?,
			 refresh_token_enc = ?, token_expires_at = ?, last_used_at = ?
			 WHERE id = ?`,
			canvasUserID, canvasDomain, accessTokenEnc,
			nullString(refreshTokenEnc), nullMillis(tokenExpiresAt),
			toMillis(now), u.ID)
		if updErr != nil {
			return nil, fmt.Errorf("relinking user: %w", updErr)
		}
	}

	result := &LinkCanvasResult{}

	// Issue a key only when none exists. The WHERE clause is the
	// compare-and-set: a concurrent issuer wins and this side reloads.
	key := GenerateAPIKey()
	hash, err := crypto.HashSecret(key)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_hash = ? WHERE id = ? AND api_key_hash IS NULL`,
		hash, u.ID)
	if err != nil {
		return nil, fmt.Errorf("issuing api key: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		result.PlaintextKey = key
	}

	result.User, err = s.UserByID(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RotateAPIKey replaces the user's key hash with a fresh one and
// returns the new plaintext. The caller must invalidate any cache
// entries for the user.
func (s *Store) RotateAPIKey(ctx context.Context, userID string) (string, error) {
	key := GenerateAPIKey()
	hash, err := crypto.HashSecret(key)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_hash = ? WHERE id = ?`, hash, userID)
	if err != nil {
		return "", fmt.Errorf("rotating api key: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return "", bridgeerrors.ErrNotFound
	}

	return key, nil
}

// UsersWithKeys returns the id and key hash of every activated user.
// This is the scan set for API key verification; it is deliberately a
// full scan because hashes cannot be looked up by value, and the result
// is cache-fronted by the verification cache.
func (s *Store) UsersWithKeys(ctx context.Context) ([]KeyCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key_hash FROM users WHERE api_key_hash IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying key candidates: %w", err)
	}
	defer rows.Close()

	var out []KeyCandidate
	for rows.Next() {
		var c KeyCandidate
		if err := rows.Scan(&c.UserID, &c.KeyHash); err != nil {
			return nil, fmt.Errorf("scanning key candidate: %w", err)
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// KeyCandidate pairs a user id with its stored key hash.
type KeyCandidate struct {
	UserID  string
	KeyHash string
}

// TouchUser records usage time.
func (s *Store) TouchUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_used_at = ? WHERE id = ?`, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("touching user: %w", err)
	}
	return nil
}

// UpdateCanvasTokens replaces the stored encrypted tokens for a user.
func (s *Store) UpdateCanvasTokens(ctx context.Context, userID, accessTokenEnc string, refreshTokenEnc *string, tokenExpiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ? WHERE id = ?`,
		accessTokenEnc, nullString(refreshTokenEnc), nullMillis(tokenExpiresAt), userID)
	if err != nil {
		return fmt.Errorf("updating canvas tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bridgeerrors.ErrNotFound
	}
	return nil
}

// LogToolUsage appends one usage log entry.
func (s *Store) LogToolUsage(ctx context.Context, userID, tool string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_logs (user_id, tool, created_at) VALUES (?, ?, ?)`,
		userID, tool, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("logging tool usage: %w", err)
	}
	return nil
}

// PruneUsageLogs deletes log entries older than the retention horizon.
func (s *Store) PruneUsageLogs(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE created_at < ?`,
		toMillis(time.Now().Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("pruning usage logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
