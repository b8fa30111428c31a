package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
)

type contextKey string

const UserKey contextKey = "user"

// Authenticate resolves the session, if any, and stores the user in the
// request context. Anonymous requests pass through unchanged.
func Authenticate(auth services.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.CurrentUser(r)
			if err != nil {
				logger.Error("session lookup failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Internal server error"))
				return
			}
			if user == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that Authenticate did not attach a user to.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUser extracts the authenticated user from context
func GetUser(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
