package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

func TestSessionAuth_Signup_UsernameTaken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.user(t, "alice")

	_, err := env.auth.Signup(context.Background(), &models.SignupRequest{
		Username: "alice",
		Email:    "other@shop.aa",
		Password: "x",
	})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestSessionAuth_Authenticate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	got, err := env.auth.Authenticate(ctx, "alice", "pw-alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = env.auth.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.auth.Authenticate(ctx, "nobody", "pw-alice")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionAuth_SessionCookieAndBearer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alice := env.user(t, "alice")

	rec := httptest.NewRecorder()
	token, err := env.auth.EstablishSession(rec, alice)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "stall_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	withCookie := httptest.NewRequest(http.MethodGet, "/api/me/", nil)
	withCookie.AddCookie(cookies[0])
	user, err := env.auth.CurrentUser(withCookie)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, alice.ID, user.ID)

	withBearer := httptest.NewRequest(http.MethodGet, "/api/me/", nil)
	withBearer.Header.Set("Authorization", "Bearer "+token)
	user, err = env.auth.CurrentUser(withBearer)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, alice.ID, user.ID)
}

func TestSessionAuth_CurrentUser_Anonymous(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alice := env.user(t, "alice")

	anonymous := httptest.NewRequest(http.MethodGet, "/", nil)
	user, err := env.auth.CurrentUser(anonymous)
	require.NoError(t, err)
	assert.Nil(t, user)

	forged := NewSessionAuth(env.store, SessionOptions{Secret: "other-secret"}, zap.NewNop())
	token, err := forged.EstablishSession(httptest.NewRecorder(), alice)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	user, err = env.auth.CurrentUser(req)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestSessionAuth_ClearSession_RevokesToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alice := env.user(t, "alice")

	token, err := env.auth.EstablishSession(httptest.NewRecorder(), alice)
	require.NoError(t, err)

	logout := httptest.NewRequest(http.MethodPost, "/api/logout/", nil)
	logout.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.auth.ClearSession(rec, logout)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)

	again := httptest.NewRequest(http.MethodGet, "/api/me/", nil)
	again.Header.Set("Authorization", "Bearer "+token)
	user, err := env.auth.CurrentUser(again)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestSessionAuth_ChangePassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	err := env.auth.ChangePassword(ctx, alice, "wrong", "new-pw")
	assert.ErrorIs(t, err, ErrIncorrectPassword)

	require.NoError(t, env.auth.ChangePassword(ctx, alice, "pw-alice", "new-pw"))

	_, err = env.auth.Authenticate(ctx, "alice", "pw-alice")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.auth.Authenticate(ctx, "alice", "new-pw")
	assert.NoError(t, err)

	assert.ErrorIs(t, env.auth.ChangePassword(ctx, nil, "a", "b"), ErrAuthRequired)
}

func TestSessionAuth_CurrentUser_DeletedUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alice := env.user(t, "alice")
	token, err := env.auth.EstablishSession(httptest.NewRecorder(), alice)
	require.NoError(t, err)

	require.NoError(t, env.store.Reset(context.Background()))
	_, err = env.store.GetUserByID(context.Background(), alice.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	user, err := env.auth.CurrentUser(req)
	require.NoError(t, err)
	assert.Nil(t, user)
}
