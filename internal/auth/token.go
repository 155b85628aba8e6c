package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/models"
	"github.com/edubridge/canvas-mcp/internal/store"
)

const (
	// defaultTokenTTL bounds how long an issued access token stays
	// valid when no lifetime is configured.
	defaultTokenTTL = 24 * time.Hour

	// tokenBytes is the number of random bytes in an access token
	// (hex-encoded to twice this length).
	tokenBytes = 32
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// HandleToken returns the /auth/token handler. The only supported grant
// is authorization_code with a mandatory PKCE verifier. tokenTTL sets
// the lifetime of issued access tokens; zero or negative falls back to
// the 24-hour default.
func HandleToken(st *store.Store, tokenTTL time.Duration, logger *slog.Logger) http.HandlerFunc {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		if r.Header.Get("Content-Type") == "application/json" {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}
			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				RedirectURI:  r.FormValue("redirect_uri"),
				CodeVerifier: r.FormValue("code_verifier"),
				ClientID:     r.FormValue("client_id"),
			}
		}

		if req.GrantType != "authorization_code" {
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
			return
		}

		if req.Code == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		// Consuming the code deletes it; a code presented with a bad
		// verifier or mismatched binding is burnt, never retryable.
		ac, err := st.ConsumeAuthCode(r.Context(), req.Code)
		if err != nil {
			if errors.Is(err, bridgeerrors.ErrInvalidGrant) {
				writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
				return
			}

			logger.Error("consuming authorization code failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		if req.ClientID != ac.ClientID {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
			return
		}

		if req.RedirectURI != ac.RedirectURI {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
			return
		}

		// PKCE verification (S256).
		if req.CodeVerifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}

		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}

		token := RandomHex(tokenBytes)
		err = st.SaveOAuthToken(r.Context(), &models.OAuthToken{
			Token:     token,
			UserID:    ac.UserID,
			Scope:     ac.Scope,
			ExpiresAt: time.Now().Add(tokenTTL),
		})
		if err != nil {
			logger.Error("saving access token failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		logger.Info("access token issued",
			slog.String("client_id", ac.ClientID),
			slog.String("user_id", ac.UserID),
		)

		resp := tokenResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   int(tokenTTL.Seconds()),
			Scope:       ac.Scope,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// verifyPKCE checks that base64url(SHA256(verifier)) matches the stored
// challenge, in constant time.
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
