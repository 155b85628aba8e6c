package auth

import (
	"crypto/rand"
	"encoding/hex"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/edubridge/canvas-mcp/internal/models"
	"github.com/edubridge/canvas-mcp/internal/store"
)

const (
	// codeExpiry bounds how long an authorization code stays valid.
	codeExpiry = 10 * time.Minute

	// csrfExpiry controls how long a consent CSRF token remains valid.
	csrfExpiry = 10 * time.Minute

	// csrfTokenBytes is the number of random bytes used to generate
	// a CSRF token (hex-encoded to twice this length).
	csrfTokenBytes = 16

	// authCodeBytes is the number of random bytes used to generate
	// an authorization code (hex-encoded to twice this length).
	authCodeBytes = 32

	// DefaultScope is granted when the client requests none.
	DefaultScope = "canvas:read"
)

// SupportedScopes are the read-only scopes this server understands.
var SupportedScopes = []string{
	"canvas:read",
	"canvas:courses:read",
	"canvas:assignments:read",
	"canvas:grades:read",
	"canvas:announcements:read",
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// csrfStore tracks single-use consent-form tokens in memory. Consent
// pages are short-lived; losing them on restart only re-renders a form.
type csrfStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newCSRFStore() *csrfStore {
	return &csrfStore{tokens: make(map[string]time.Time)}
}

func (c *csrfStore) issue() string {
	token := RandomHex(csrfTokenBytes)

	c.mu.Lock()
	// Opportunistic prune keeps the map bounded without a timer.
	now := time.Now()
	for t, exp := range c.tokens {
		if now.After(exp) {
			delete(c.tokens, t)
		}
	}
	c.tokens[token] = now.Add(csrfExpiry)
	c.mu.Unlock()

	return token
}

func (c *csrfStore) consume(token string) bool {
	if token == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.tokens[token]
	if !ok {
		return false
	}
	delete(c.tokens, token)

	return time.Now().Before(exp)
}

// consentPage renders the OAuth consent form. The csrf_token hidden
// field prevents cross-site form submission.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
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
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent ul { margin: 0.3rem 0 0.3rem 1.1rem; }
  .consent .redirect { color: #666; word-break: break-all; }
  button {
    width: 100%;
    padding: 0.6rem;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    margin-bottom: 0.5rem;
  }
  button.approve { background: #1a1a1a; color: #fff; }
  button.approve:hover { background: #333; }
  button.deny { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
</style>
</head>
<body>
<div class="card">
  <h1>canvas-mcp</h1>
  <p class="sub">An application is requesting access to your Canvas data.</p>
  <div class="consent">
    <p><strong>{{.ClientID}}</strong> is requesting:</p>
    <ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>
    <p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>
  </div>
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="response_type" value="code">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="S256">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <button type="submit" name="decision" value="approve" class="approve">Approve</button>
    <button type="submit" name="decision" value="deny" class="deny">Deny</button>
  </form>
</div>
</body>
</html>`))

// connectFirstPage is shown when the signed-in user has not linked a
// Canvas account yet; an authorization code would be useless.
var connectFirstPage = template.Must(template.New("connect").Parse(`<!DOCTYPE html>
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
  <h1>Connect Canvas first</h1>
  <p>Your account has no Canvas credentials linked yet. Connect your
  Canvas access token on the account page, then retry the authorization.</p>
</div>
</body>
</html>`))

type consentData struct {
	CSRFToken     string
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Scope         string
	Scopes        []string
}

// authorizeRequest is the validated parameter set of one authorize call.
type authorizeRequest struct {
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Scope         string
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri has been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
}

// validRedirectURI accepts absolute HTTPS URIs, and plain HTTP only for
// loopback hosts (RFC 8252 Section 7.3). Without client registration
// this is the only structural defense against open redirects.
func validRedirectURI(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// parseAuthorizeParams validates the query/form parameters shared by
// GET and POST. It writes the appropriate error response itself and
// returns ok=false when validation fails.
func parseAuthorizeParams(w http.ResponseWriter, r *http.Request, get func(string) string) (authorizeRequest, bool) {
	req := authorizeRequest{
		ClientID:      get("client_id"),
		RedirectURI:   get("redirect_uri"),
		State:         get("state"),
		CodeChallenge: get("code_challenge"),
		Scope:         get("scope"),
	}

	if req.ClientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return req, false
	}

	if req.RedirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return req, false
	}

	if !validRedirectURI(req.RedirectURI) {
		http.Error(w, "redirect_uri must be HTTPS or a loopback HTTP URI", http.StatusBadRequest)
		return req, false
	}

	// Errors after redirect_uri validation are returned as query params
	// on the redirect URI per RFC 6749 Section 4.1.2.1.
	if rt := get("response_type"); rt != "code" {
		errCode := "unsupported_response_type"
		if rt == "" {
			errCode = "invalid_request"
		}

		redirectWithError(w, r, req.RedirectURI, req.State, errCode, "response_type must be \"code\"")

		return req, false
	}

	if req.CodeChallenge == "" {
		redirectWithError(w, r, req.RedirectURI, req.State, "invalid_request", "code_challenge is required (PKCE)")
		return req, false
	}

	// S256 only; plaintext PKCE defeats the point of the exchange.
	if method := get("code_challenge_method"); method != "S256" {
		redirectWithError(w, r, req.RedirectURI, req.State, "invalid_request", "only S256 code_challenge_method is supported")
		return req, false
	}

	if req.Scope == "" {
		req.Scope = DefaultScope
	}

	return req, true
}

// SessionCookieName is the browser session cookie.
const SessionCookieName = "session"

// sessionUser resolves the request's session cookie to a signed-in
// user, or returns nil.
func sessionUser(r *http.Request, st *store.Store) *models.User {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sess, err := st.SessionByID(r.Context(), cookie.Value)
	if err != nil || sess.UserID == nil {
		return nil
	}

	user, err := st.UserByID(r.Context(), *sess.UserID)
	if err != nil {
		return nil
	}

	return user
}

// HandleAuthorize returns the /auth/authorize handler. Authorization
// requires a signed-in browser session with a linked Canvas account;
// approval mints a single-use PKCE-bound code.
func HandleAuthorize(st *store.Store, logger *slog.Logger) http.HandlerFunc {
	csrf := newCSRFStore()

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleAuthorizeGET(w, r, st, csrf)
		case http.MethodPost:
			handleAuthorizePOST(w, r, st, csrf, logger)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func requireConsentPreconditions(w http.ResponseWriter, r *http.Request, st *store.Store) (*models.User, bool) {
	user := sessionUser(r, st)
	if user == nil {
		// Preserve the original authorize request as the login return
		// target so the flow resumes after sign-in.
		next := url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, "/login?next="+next, http.StatusFound)

		return nil, false
	}

	if !user.Linked() {
		w.Header().Set("Content-Type", "text/html")
		_ = connectFirstPage.Execute(w, nil)

		return nil, false
	}

	return user, true
}

func handleAuthorizeGET(w http.ResponseWriter, r *http.Request, st *store.Store, csrf *csrfStore) {
	req, ok := parseAuthorizeParams(w, r, r.URL.Query().Get)
	if !ok {
		return
	}

	if _, ok := requireConsentPreconditions(w, r, st); !ok {
		return
	}

	data := consentData{
		CSRFToken:     csrf.issue(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		Scopes:        strings.Fields(req.Scope),
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	_ = consentPage.Execute(w, data)
}

const maxRequestBody = 1 << 20

func handleAuthorizePOST(w http.ResponseWriter, r *http.Request, st *store.Store, csrf *csrfStore, logger *slog.Logger) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	req, ok := parseAuthorizeParams(w, r, r.FormValue)
	if !ok {
		return
	}

	user, ok := requireConsentPreconditions(w, r, st)
	if !ok {
		return
	}

	// CSRF validation. A failed check may indicate a cross-site attack,
	// so return a plain error rather than redirecting to the client
	// (which could be the attacker's URI in a forged form).
	if !csrf.consume(r.FormValue("csrf_token")) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	if r.FormValue("decision") != "approve" {
		logger.Info("authorization denied",
			slog.String("client_id", req.ClientID),
			slog.String("user_id", user.ID),
		)
		redirectWithError(w, r, req.RedirectURI, req.State, "access_denied", "the user denied the request")

		return
	}

	code := RandomHex(authCodeBytes)
	err := st.SaveAuthCode(r.Context(), &models.AuthCode{
		Code:          code,
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scope:         req.Scope,
		UserID:        user.ID,
		ExpiresAt:     time.Now().Add(codeExpiry),
	})
	if err != nil {
		logger.Error("saving authorization code failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	logger.Info("authorization granted",
		slog.String("client_id", req.ClientID),
		slog.String("user_id", user.ID),
		slog.String("scope", req.Scope),
	)

	// Build redirect URL with proper encoding. Use "&" if the redirect
	// URI already contains a query component (RFC 6749 Section 4.1.2
	// requires retaining existing query parameters).
	params := url.Values{}
	params.Set("code", code)

	if req.State != "" {
		params.Set("state", req.State)
	}

	sep := "?"
	if strings.Contains(req.RedirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, req.RedirectURI+sep+params.Encode(), http.StatusFound)
}
