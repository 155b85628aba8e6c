// Package auth implements the credential gate in front of the MCP
// endpoint: bearer resolution for issued API keys and OAuth access
// tokens, plus the OAuth 2.1 authorization-code-with-PKCE flow.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/edubridge/canvas-mcp/internal/authcache"
	"github.com/edubridge/canvas-mcp/internal/crypto"
	"github.com/edubridge/canvas-mcp/internal/store"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// WithUserID returns a context carrying an authenticated user id, the
// way the middleware injects it for downstream handlers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Gate resolves bearer credentials against the credential store,
// fronted by the verification cache for issued API keys.
type Gate struct {
	store  *store.Store
	cache  *authcache.Cache
	logger *slog.Logger
}

// NewGate builds the authentication gate.
func NewGate(st *store.Store, cache *authcache.Cache, logger *slog.Logger) *Gate {
	return &Gate{store: st, cache: cache, logger: logger}
}

// ResolveBearer maps a presented bearer credential to a user id.
// API keys (cnv_ prefix) resolve through the cache, falling back to a
// full Argon2 verify-scan over all activated users; anything else is
// tried as an OAuth access token by direct lookup. Failures are
// uniform: callers cannot distinguish unknown users from wrong keys.
func (g *Gate) ResolveBearer(ctx context.Context, token string) (string, bool) {
	if strings.HasPrefix(token, store.APIKeyPrefix) {
		return g.resolveAPIKey(ctx, token)
	}

	ti, err := g.store.OAuthTokenByValue(ctx, token)
	if err != nil {
		return "", false
	}

	return ti.UserID, true
}

func (g *Gate) resolveAPIKey(ctx context.Context, key string) (string, bool) {
	if userID, ok := g.cache.Get(key); ok {
		return userID, true
	}

	// Full scan. The hash is memory-hard on purpose, which is why a
	// successful verification is memoized above.
	candidates, err := g.store.UsersWithKeys(ctx)
	if err != nil {
		g.logger.Error("key candidate scan failed", slog.String("error", err.Error()))
		return "", false
	}

	for _, c := range candidates {
		if crypto.VerifySecret(key, c.KeyHash) {
			g.cache.Put(key, c.UserID)
			return c.UserID, true
		}
	}

	return "", false
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a 401 with the WWW-Authenticate header
// pointing to the protected resource metadata URL (RFC 9728 Section 5.1).
func Middleware(gate *Gate, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := serverURL + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	// error="invalid_token" signals the client should re-authenticate.
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			userID, ok := gate.ResolveBearer(r.Context(), token)
			if !ok {
				logger.Debug("middleware: invalid bearer credential",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("ip", ip),
			)

			if err := gate.store.TouchUser(r.Context(), userID); err != nil {
				logger.Warn("recording usage timestamp failed", slog.String("error", err.Error()))
			}

			// Inject authenticated identity into the request context so
			// downstream handlers (MCP tools) can load the user row.
			ctx := WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
