// Package web serves the browser surface: magic-link login, session
// cookies, Canvas token linking, and the account API.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edubridge/canvas-mcp/internal/authcache"
	"github.com/edubridge/canvas-mcp/internal/canvas"
	"github.com/edubridge/canvas-mcp/internal/crypto"
	"github.com/edubridge/canvas-mcp/internal/mailer"
	"github.com/edubridge/canvas-mcp/internal/models"
	"github.com/edubridge/canvas-mcp/internal/store"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "session"

// Config carries the handler's policy knobs.
type Config struct {
	// ServerURL is the external base URL, used for magic links and to
	// decide whether cookies are marked Secure.
	ServerURL string

	SessionTTL        time.Duration
	MagicLinkTTL      time.Duration
	MagicLinkCooldown time.Duration
}

// Handler serves the login and account endpoints.
type Handler struct {
	store  *store.Store
	cache  *authcache.Cache
	sealer *crypto.Sealer
	mailer mailer.Mailer
	canvas *canvas.Client
	logger *slog.Logger
	cfg    Config
}

// New builds the browser-surface handler.
func New(st *store.Store, cache *authcache.Cache, sealer *crypto.Sealer, m mailer.Mailer, cv *canvas.Client, logger *slog.Logger, cfg Config) *Handler {
	return &Handler{
		store:  st,
		cache:  cache,
		sealer: sealer,
		mailer: m,
		canvas: cv,
		logger: logger,
		cfg:    cfg,
	}
}

func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.cfg.ServerURL, "https://")
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

// session resolves the request's cookie to a live session, or nil.
func (h *Handler) session(r *http.Request) *models.Session {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sess, err := h.store.SessionByID(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}

	return sess
}

// sessionUser resolves the request to a signed-in user, or nil.
func (h *Handler) sessionUser(r *http.Request) (*models.Session, *models.User) {
	sess := h.session(r)
	if sess == nil || sess.UserID == nil {
		return sess, nil
	}

	user, err := h.store.UserByID(r.Context(), *sess.UserID)
	if err != nil {
		return sess, nil
	}

	return sess, user
}

// ensureSession returns the request's session, creating an anonymous
// one (and setting the cookie) when absent.
func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) (*models.Session, error) {
	if sess := h.session(r); sess != nil {
		return sess, nil
	}

	sess := &models.Session{
		ID:        store.NewSessionID(),
		ExpiresAt: time.Now().Add(h.cfg.SessionTTL),
	}
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		return nil, err
	}

	h.setSessionCookie(w, sess.ID)

	return sess, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// safeNext accepts only same-site relative targets, guarding the
// post-login redirect against open-redirect abuse.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
