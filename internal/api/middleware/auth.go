package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/pbsgestor/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth checks a bearer token against a single bcrypt hash.
type Auth struct {
	hash []byte
}

// NewAuth returns nil for an empty hash, which leaves routes open.
func NewAuth(tokenHash string) *Auth {
	if tokenHash == "" {
		return nil
	}
	return &Auth{hash: []byte(tokenHash)}
}

// Authenticate validates the Bearer token.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header")
			return
		}

		if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(setAuthenticated(r.Context())))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
