// ABOUTME: HTTP middleware that authenticates bearer JWTs on the socket and API routes
// ABOUTME: Accepts the Authorization header or a token query parameter for browsers

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter since browsers cannot set headers on a
// WebSocket handshake.
func TokenFromRequest(r *http.Request) (string, string) {
	if q := r.URL.Query().Get("token"); q != "" && r.Header.Get("Authorization") == "" {
		return q, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}

// Middleware rejects requests without a valid token and stores the caller's
// Identity in the request context. A nil verifier disables authentication
// and passes every request through unchanged.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
