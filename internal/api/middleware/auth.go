package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/api/response"
	"github.com/kiranshivaraju/relaycopy/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Scopes granted to API keys.
const (
	ScopeJobs     = "jobs"
	ScopeSessions = "sessions"
)

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys store.KeyStore
}

func NewAuth(keys store.KeyStore) *Auth {
	return &Auth{keys: keys}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// owner_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		keys, err := a.keys.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			ctx := r.Context()
			ctx = SetOwnerID(ctx, key.OwnerID)
			ctx = setKeyPrefix(ctx, prefix)
			ctx = setScopes(ctx, key.Scopes)

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.keys.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
					slog.Warn("api key last_used update failed", "key_id", key.ID, "error", err)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key", nil)
	})
}

// RequireScope rejects keys that were not granted scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
