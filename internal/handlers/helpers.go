package handlers

import (
	"encoding/json"
	"net/http"
)

// userHeader carries the authenticated username, injected by the fronting
// auth proxy. Requests without it are rejected.
const userHeader = "X-Auth-Request-User"

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// RequireUser extracts the authenticated username from the request.
// Returns the username and true, or writes a 401 and returns false.
func RequireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		writeErrorEnvelope(w, http.StatusUnauthorized, errorDetail{
			Msg:  "Missing " + userHeader + " header",
			Type: "missing",
			Loc:  []string{"header", userHeader},
		})
		return "", false
	}
	return user, true
}

// RequestBaseURL reconstructs the external scheme and host of the request.
// The service runs behind an ingress that terminates TLS, so the forwarded
// headers win over what the connection itself saw.
func RequestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host
}

// DecodeJSONBody decodes the request body into dst. A non-nil error means a
// validation response was already written.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		writeErrorEnvelope(w, http.StatusUnprocessableEntity, errorDetail{
			Msg:  "Invalid JSON body: " + err.Error(),
			Type: "value_error",
			Loc:  []string{"body"},
		})
		return err
	}
	return nil
}
