package auth

import (
	"encoding/json"
	"net/http"
)

// HandleRegistration returns the /auth/register handler. Dynamic client
// registration (RFC 7591) is not offered: clients are identified by the
// client_id they present at authorization time and bound to it through
// the code exchange, so there is no client database to register into.
func HandleRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSONError(w, http.StatusNotImplemented, "unsupported_operation",
			"dynamic client registration is not supported; clients should publish a static client metadata document and present its client_id at authorization time")
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
