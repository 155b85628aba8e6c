// Package server assembles the HTTP surface: discovery documents, the
// OAuth endpoints, the browser pages, the account API, and the
// credential-gated MCP endpoint.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/edubridge/canvas-mcp/internal/auth"
	"github.com/edubridge/canvas-mcp/internal/store"
	"github.com/edubridge/canvas-mcp/internal/web"
)

// Deps carries the wired components the mux routes to.
type Deps struct {
	ServerURL string
	TokenTTL  time.Duration
	Store     *store.Store
	Gate      *auth.Gate
	Web       *web.Handler
	MCP       http.Handler
	Logger    *slog.Logger
}

// NewMux wires all endpoints. Only /mcp sits behind the bearer
// middleware; everything else is either public discovery, the OAuth
// flow itself, or session-cookie guarded.
func NewMux(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(d.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(d.ServerURL))

	mux.HandleFunc("/auth/authorize", auth.HandleAuthorize(d.Store, d.Logger))
	mux.HandleFunc("/auth/token", auth.HandleToken(d.Store, d.TokenTTL, d.Logger))
	mux.HandleFunc("/auth/register", auth.HandleRegistration())
	mux.HandleFunc("/auth/verify", d.Web.HandleVerify)

	mux.HandleFunc("/login", d.Web.HandleLogin)
	mux.HandleFunc("/api/token-login", d.Web.HandleTokenLogin)
	mux.HandleFunc("/api/user/me", d.Web.HandleMe)
	mux.HandleFunc("/api/user/regenerate-key", d.Web.HandleRegenerateKey)

	mux.Handle("/mcp", auth.Middleware(d.Gate, d.Logger, d.ServerURL)(d.MCP))

	return mux
}
