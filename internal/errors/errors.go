// Package errors defines the sentinel errors shared across the bridge.
// Callers wrap these with fmt.Errorf("...: %w", err) and check with
// errors.Is.
package errors

import "errors"

// Fatal configuration and integrity errors.
var (
	// ErrConfiguration indicates a missing or malformed encryption key.
	// The server must refuse to start rather than degrade to plaintext
	// token storage.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrIntegrity indicates an authentication-tag mismatch on decrypt:
	// the stored blob was tampered with or sealed under a different key.
	ErrIntegrity = errors.New("ciphertext integrity check failed")
)

// Authentication and OAuth protocol errors.
var (
	ErrUnauthenticated   = errors.New("no credential presented")
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrInvalidGrant      = errors.New("invalid grant")
	ErrRateLimited       = errors.New("rate limited")
)

// Storage and upstream errors.
var (
	ErrNotFound = errors.New("not found")

	// ErrUpstream wraps non-2xx responses from the Canvas API. It is
	// recoverable and reported per tool call, never fatal to the server.
	ErrUpstream = errors.New("upstream provider request failed")
)
