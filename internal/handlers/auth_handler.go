package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stall/backend/internal/middleware"
	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
)

type AuthHandler struct {
	auth   services.Authenticator
	logger *zap.Logger
}

func NewAuthHandler(auth services.Authenticator, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}

	req.Normalize()
	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	user, err := h.auth.Signup(r.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrUsernameTaken) {
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Username already taken"))
			return
		}
		h.logger.Error("signup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to create account"))
		return
	}

	writeJSON(w, http.StatusCreated, models.AuthResponse{
		Message: "Account created successfully",
		User:    user.Summary(),
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}

	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	user, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid credentials"))
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Login failed"))
		return
	}

	token, err := h.auth.EstablishSession(w, user)
	if err != nil {
		h.logger.Error("establish session failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Login failed"))
		return
	}

	writeJSON(w, http.StatusOK, models.AuthResponse{
		Message: "Logged in successfully",
		User:    user.Summary(),
		Token:   token,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, models.MeResponse{Authenticated: false})
		return
	}

	summary := user.Summary()
	writeJSON(w, http.StatusOK, models.MeResponse{Authenticated: true, User: &summary})
}

// Logout always succeeds, even without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.auth.ClearSession(w, r)
	writeMessage(w, http.StatusOK, "Logged out")
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req models.ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}

	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	if err := h.auth.ChangePassword(r.Context(), user, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, services.ErrIncorrectPassword):
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Old password is incorrect"))
		case errors.Is(err, services.ErrAuthRequired):
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required"))
		default:
			h.logger.Error("change password failed", zap.String("user_id", user.ID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to change password"))
		}
		return
	}

	writeMessage(w, http.StatusOK, "Password changed")
}
