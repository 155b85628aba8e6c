package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/models"
)

const maxRequestBody = 1 << 20

type tokenLoginRequest struct {
	CanvasDomain string `json:"canvas_domain"`
	AccessToken  string `json:"access_token"`
}

// normalizeDomain strips scheme and trailing slashes from a submitted
// Canvas domain so "https://school.instructure.com/" and
// "school.instructure.com" land on the same row.
func normalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimSuffix(domain, "/")
	return strings.ToLower(domain)
}

// HandleTokenLogin verifies a submitted Canvas access token against the
// Canvas API and links the caller to the proven identity. The plaintext
// token is sealed before it touches the database; the issued API key is
// stashed on the session for one later read.
func (h *Handler) HandleTokenLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	domain := normalizeDomain(req.CanvasDomain)
	if domain == "" || req.AccessToken == "" {
		writeAPIError(w, http.StatusBadRequest, "canvas_domain and access_token are required")
		return
	}

	// Prove the token works before storing anything.
	profile, err := h.canvas.Self(r.Context(), domain, req.AccessToken)
	if err != nil {
		h.logger.Info("token login verification failed",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)
		writeAPIError(w, http.StatusUnauthorized, "could not verify the Canvas token")

		return
	}

	sealed, err := h.sealer.Seal(req.AccessToken)
	if err != nil {
		h.logger.Error("sealing canvas token failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	// A signed-in session may carry an email from magic-link login;
	// otherwise fall back to the Canvas profile email so a later magic
	// link can find this account.
	sess, user := h.sessionUser(r)
	email := profile.PrimaryEmail
	if user != nil && user.Email != nil {
		email = *user.Email
	}

	res, err := h.store.LinkCanvas(r.Context(), profile.ID, domain, email, sealed, nil, nil)
	if err != nil {
		h.logger.Error("linking canvas identity failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	if sess == nil {
		sess, err = h.ensureSession(w, r)
		if err != nil {
			h.logger.Error("creating session failed", slog.String("error", err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "internal error")

			return
		}
	}

	if err := h.store.AttachSessionUser(r.Context(), sess.ID, res.User.ID); err != nil {
		h.logger.Error("attaching session user failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	if res.PlaintextKey != "" {
		if err := h.store.StashSessionKey(r.Context(), sess.ID, res.PlaintextKey); err != nil {
			h.logger.Error("stashing session key failed", slog.String("error", err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "internal error")

			return
		}
	}

	h.logger.Info("canvas identity linked",
		slog.String("user_id", res.User.ID),
		slog.String("domain", domain),
	)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type meResponse struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email,omitempty"`
	CanvasUserID string `json:"canvas_user_id,omitempty"`
	CanvasDomain string `json:"canvas_domain,omitempty"`
	Activated    bool   `json:"activated"`
	APIKey       string `json:"api_key,omitempty"`
}

func meFromUser(user *models.User) meResponse {
	resp := meResponse{
		UserID:    user.ID,
		Activated: user.Activated(),
	}
	if user.Email != nil {
		resp.Email = *user.Email
	}
	if user.CanvasUserID != nil {
		resp.CanvasUserID = *user.CanvasUserID
	}
	if user.CanvasDomain != nil {
		resp.CanvasDomain = *user.CanvasDomain
	}
	return resp
}

// HandleMe returns the signed-in user's profile. A pending plaintext
// API key rides along exactly once and is cleared by the read.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sess, user := h.sessionUser(r)
	if user == nil {
		writeAPIError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	resp := meFromUser(user)

	key, err := h.store.TakeSessionKey(r.Context(), sess.ID)
	switch {
	case err == nil:
		resp.APIKey = key
	case errors.Is(err, bridgeerrors.ErrNotFound):
		// No pending key.
	default:
		h.logger.Error("taking session key failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleRegenerateKey rotates the caller's API key. The old key stops
// verifying immediately: its hash is replaced and any cached
// verification for the user is dropped.
func (h *Handler) HandleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sess, user := h.sessionUser(r)
	if user == nil {
		writeAPIError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	if !user.Activated() {
		writeAPIError(w, http.StatusConflict, "no API key to rotate; link a Canvas token first")
		return
	}

	newKey, err := h.store.RotateAPIKey(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("rotating api key failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	h.cache.Invalidate(user.ID)

	if err := h.store.StashSessionKey(r.Context(), sess.ID, newKey); err != nil {
		h.logger.Error("stashing session key failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "internal error")

		return
	}

	h.logger.Info("api key rotated", slog.String("user_id", user.ID))

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
