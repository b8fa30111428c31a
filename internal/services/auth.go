package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

var (
	ErrAuthRequired       = errors.New("authentication required")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrIncorrectPassword  = errors.New("old password is incorrect")
)

// maxRevokedSessions bounds the logout blocklist. The oldest revocations are
// evicted first; their tokens may already have expired by then.
const maxRevokedSessions = 10000

// Authenticator is the session collaborator used by the middleware and the
// auth handlers.
type Authenticator interface {
	Signup(ctx context.Context, req *models.SignupRequest) (*models.User, error)
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	CurrentUser(r *http.Request) (*models.User, error)
	EstablishSession(w http.ResponseWriter, user *models.User) (string, error)
	ClearSession(w http.ResponseWriter, r *http.Request)
	ChangePassword(ctx context.Context, user *models.User, oldPassword, newPassword string) error
}

type SessionOptions struct {
	Secret     string
	TTL        time.Duration
	CookieName string
	Secure     bool
	// PasswordCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	PasswordCost int
}

// SessionAuth issues HS256 JWTs, carried in an HttpOnly cookie or an
// Authorization: Bearer header. Logout revokes the token id until the
// token would have expired anyway.
type SessionAuth struct {
	store   storage.Store
	opts    SessionOptions
	revoked *expirable.LRU[string, struct{}]
	logger  *zap.Logger
}

func NewSessionAuth(store storage.Store, opts SessionOptions, logger *zap.Logger) *SessionAuth {
	if opts.TTL <= 0 {
		opts.TTL = 14 * 24 * time.Hour
	}
	if opts.CookieName == "" {
		opts.CookieName = "stall_session"
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	return &SessionAuth{
		store:   store,
		opts:    opts,
		revoked: expirable.NewLRU[string, struct{}](maxRevokedSessions, nil, opts.TTL),
		logger:  logger.Named("auth"),
	}
}

func (a *SessionAuth) Signup(ctx context.Context, req *models.SignupRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.opts.PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	a.logger.Info("user signed up", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

func (a *SessionAuth) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := a.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// CurrentUser returns nil without an error for anonymous requests, including
// requests carrying an expired, revoked or forged token.
func (a *SessionAuth) CurrentUser(r *http.Request) (*models.User, error) {
	token := a.tokenFromRequest(r)
	if token == "" {
		return nil, nil
	}

	claims, err := a.parse(token)
	if err != nil {
		a.logger.Debug("ignoring session token", zap.Error(err))
		return nil, nil
	}

	user, err := a.store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (a *SessionAuth) EstablishSession(w http.ResponseWriter, user *models.User) (string, error) {
	now := time.Now()
	expires := now.Add(a.opts.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.opts.Secret))
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, a.cookie(token, expires, int(a.opts.TTL.Seconds())))
	return token, nil
}

func (a *SessionAuth) ClearSession(w http.ResponseWriter, r *http.Request) {
	if token := a.tokenFromRequest(r); token != "" {
		if claims, err := a.parse(token); err == nil && claims.ID != "" {
			a.revoked.Add(claims.ID, struct{}{})
		}
	}
	http.SetCookie(w, a.cookie("", time.Unix(0, 0), -1))
}

func (a *SessionAuth) ChangePassword(ctx context.Context, user *models.User, oldPassword, newPassword string) error {
	if user == nil {
		return ErrAuthRequired
	}

	// Re-read so a concurrent password change is compared against the stored hash.
	current, err := a.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(current.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrIncorrectPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.opts.PasswordCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.store.UpdatePasswordHash(ctx, user.ID, string(hash)); err != nil {
		return err
	}

	a.logger.Info("password changed", zap.String("user_id", user.ID))
	return nil
}

func (a *SessionAuth) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(a.opts.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if a.revoked.Contains(claims.ID) {
		return nil, errors.New("session revoked")
	}
	return claims, nil
}

func (a *SessionAuth) tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(a.opts.CookieName); err == nil && c.Value != "" {
		return c.Value
	}

	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (a *SessionAuth) cookie(value string, expires time.Time, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     a.opts.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	// Browsers only send cross-site cookies that are both Secure and SameSite=None.
	if a.opts.Secure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}
