// Package models defines record types shared across internal packages.
package models

import "time"

// User is the identity anchor. A user may exist in a pre-activation
// state (created via magic link) with no Canvas link and no API key;
// nullable columns are modeled as pointers.
type User struct {
	ID              string
	CanvasUserID    *string
	CanvasDomain    *string
	Email           *string
	AccessTokenEnc  *string
	RefreshTokenEnc *string
	APIKeyHash      *string
	TokenExpiresAt  *time.Time
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Activated reports whether the user has been issued an API key.
func (u *User) Activated() bool {
	return u.APIKeyHash != nil && *u.APIKeyHash != ""
}

// Linked reports whether the user has a Canvas account and stored token.
func (u *User) Linked() bool {
	return u.CanvasUserID != nil && *u.CanvasUserID != "" &&
		u.CanvasDomain != nil && *u.CanvasDomain != "" &&
		u.AccessTokenEnc != nil && *u.AccessTokenEnc != ""
}

// AuthCode is a single-use PKCE-bound authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	UserID        string
	ExpiresAt     time.Time
}

// OAuthToken is a bearer access token issued after a successful code
// exchange. Unlike API keys it is stored and resolved by direct lookup,
// reflecting its short lifetime.
type OAuthToken struct {
	Token     string
	UserID    string
	Scope     string
	ExpiresAt time.Time
}

// MagicLink is a single-use passwordless login token tied to an email
// address. Links are marked used rather than deleted so issuance times
// remain available for per-address rate limiting.
type MagicLink struct {
	Token     string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Session is a server-side browser session keyed by an opaque cookie
// value. PlaintextKey holds a freshly issued API key until its first
// read, after which it is cleared.
type Session struct {
	ID           string
	UserID       *string
	PlaintextKey *string
	ExpiresAt    time.Time
}

// UsageLog records one tool invocation for analytics.
type UsageLog struct {
	ID        int64
	UserID    string
	Tool      string
	CreatedAt time.Time
}
