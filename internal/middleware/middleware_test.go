package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
	"github.com/stall/backend/internal/storage"
)

func newAuth(t *testing.T) (*services.SessionAuth, *models.User) {
	t.Helper()

	store := storage.NewMemoryStore()
	auth := services.NewSessionAuth(store, services.SessionOptions{
		Secret:       "test-secret",
		PasswordCost: bcrypt.MinCost,
	}, zap.NewNop())
	user, err := auth.Signup(context.Background(), &models.SignupRequest{
		Username: "alice",
		Email:    "alice@shop.aa",
		Password: "pw",
	})
	require.NoError(t, err)
	return auth, user
}

func whoami(w http.ResponseWriter, r *http.Request) {
	user := GetUser(r.Context())
	if user == nil {
		w.Write([]byte("anonymous"))
		return
	}
	w.Write([]byte(user.Username))
}

func TestAuthenticate_AttachesUser(t *testing.T) {
	t.Parallel()

	auth, user := newAuth(t)
	token, err := auth.EstablishSession(httptest.NewRecorder(), user)
	require.NoError(t, err)

	h := Authenticate(auth, zap.NewNop())(http.HandlerFunc(whoami))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, "alice", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	auth, user := newAuth(t)
	token, err := auth.EstablishSession(httptest.NewRecorder(), user)
	require.NoError(t, err)

	h := Authenticate(auth, zap.NewNop())(RequireAuth(http.HandlerFunc(whoami)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Authentication required"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	reached := false
	h := CORS()(Preflight(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/items/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	h.ServeHTTP(rec, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRequestLogger_PassesThrough(t *testing.T) {
	t.Parallel()

	h := RequestLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
