package web

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"time"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

const linkTokenBytes = 32

func newLinkToken() string {
	b := make([]byte, linkTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>canvas-mcp</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  label { display: block; font-size: 0.8rem; font-weight: 500; margin-bottom: 0.3rem; }
  input[type="email"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button:hover { background: #333; }
  .notice {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .notice.error { border-color: #e8b4b4; background: #fdf3f3; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign in</h1>
  <p class="sub">Enter your email and we will send you a sign-in link.</p>
  {{if .Message}}<div class="notice{{if .IsError}} error{{end}}">{{.Message}}</div>{{end}}
  <form method="POST" action="/login">
    <input type="hidden" name="next" value="{{.Next}}">
    <label for="email">Email</label>
    <input type="email" id="email" name="email" required autofocus>
    <button type="submit">Send sign-in link</button>
  </form>
</div>
</body>
</html>`))

var linkSentPage = template.Must(template.New("sent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>canvas-mcp</title>
<style>
  body { font-family: -apple-system, sans-serif; background: #f5f5f5; display: flex; align-items: center; justify-content: center; min-height: 100vh; }
  .card { background: #fff; border: 1px solid #e0e0e0; border-radius: 8px; padding: 2.5rem 2rem; max-width: 380px; }
  h1 { font-size: 1.25rem; margin-bottom: 0.5rem; }
  p { font-size: 0.9rem; color: #444; }
</style>
</head>
<body>
<div class="card">
  <h1>Check your email</h1>
  <p>If <strong>{{.Email}}</strong> is reachable, a sign-in link is on
  its way. The link expires in {{.TTL}}.</p>
</div>
</body>
</html>`))

type loginData struct {
	Next    string
	Message string
	IsError bool
}

// HandleLogin serves the email form and issues magic links.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.renderLogin(w, http.StatusOK, loginData{Next: safeNext(r.URL.Query().Get("next"))})
	case http.MethodPost:
		h.handleLoginPOST(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) renderLogin(w http.ResponseWriter, status int, data loginData) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	_ = loginPage.Execute(w, data)
}

func (h *Handler) handleLoginPOST(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	next := safeNext(r.FormValue("next"))

	addr, err := mail.ParseAddress(r.FormValue("email"))
	if err != nil {
		h.renderLogin(w, http.StatusBadRequest, loginData{
			Next:    next,
			Message: "That does not look like an email address.",
			IsError: true,
		})

		return
	}
	email := addr.Address

	token := newLinkToken()

	wait, err := h.store.IssueMagicLink(r.Context(), email, token, h.cfg.MagicLinkTTL, h.cfg.MagicLinkCooldown)
	if errors.Is(err, bridgeerrors.ErrRateLimited) {
		h.renderLogin(w, http.StatusTooManyRequests, loginData{
			Next:    next,
			Message: fmt.Sprintf("A sign-in link was sent recently. Try again in %s.", wait.Round(time.Second)),
			IsError: true,
		})

		return
	}
	if err != nil {
		h.logger.Error("issuing magic link failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	link := h.cfg.ServerURL + "/auth/verify?token=" + token
	if next != "/" {
		link += "&next=" + url.QueryEscape(next)
	}

	if err := h.mailer.SendMagicLink(r.Context(), email, link, h.cfg.MagicLinkTTL); err != nil {
		h.logger.Error("sending magic link failed", slog.String("error", err.Error()))
		http.Error(w, "sending the sign-in email failed", http.StatusInternalServerError)

		return
	}

	h.logger.Info("magic link issued", slog.String("email", email))

	w.Header().Set("Content-Type", "text/html")
	_ = linkSentPage.Execute(w, struct {
		Email string
		TTL   time.Duration
	}{Email: email, TTL: h.cfg.MagicLinkTTL})
}

// HandleVerify consumes a magic link, signs the user in, and redirects
// to the preserved target. Users are created on first login; they stay
// pre-activated (no API key) until they link a Canvas token.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	email, err := h.store.ConsumeMagicLink(r.Context(), token)
	if errors.Is(err, bridgeerrors.ErrInvalidCredential) {
		http.Error(w, "this sign-in link is invalid or has expired", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("consuming magic link failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	user, err := h.store.UserByEmail(r.Context(), email)
	if errors.Is(err, bridgeerrors.ErrNotFound) {
		user, err = h.store.CreateUser(r.Context(), email)
	}
	if err != nil {
		h.logger.Error("resolving magic-link user failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	sess, err := h.ensureSession(w, r)
	if err != nil {
		h.logger.Error("creating session failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	if err := h.store.AttachSessionUser(r.Context(), sess.ID, user.ID); err != nil {
		h.logger.Error("attaching session user failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	h.logger.Info("magic link verified", slog.String("user_id", user.ID))

	http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusFound)
}
