package handlers

import (
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/services"

	"github.com/go-playground/validator/v10"
)

type AuthHandler struct {
	auth     *services.AuthService
	validate *validator.Validate
}

func NewAuthHandler(auth *services.AuthService, v *validator.Validate) *AuthHandler {
	return &AuthHandler{auth: auth, validate: v}
}

// Signup handles account registration
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req services.SignupRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, err)
		return
	}

	acct, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	message := "Account created, waiting for admin verification"
	if acct.IsVerified {
		message = "Admin account created"
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": message,
		"user":    acct.Response(),
	})
}

// Login handles account authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req services.LoginRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, err)
		return
	}

	token, acct, err := h.auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Login successful",
		"token":   token,
		"user":    acct.Response(),
	})
}

// Me returns the authenticated account
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("auth.Me", "Invalid or expired token"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    acct.Response(),
		"quota":   acct.Profile(),
	})
}

// UpdateProfile changes name, email, username or password
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("auth.UpdateProfile", "Invalid or expired token"))
		return
	}
	var req services.UpdateProfileRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, err)
		return
	}

	updated, err := h.auth.UpdateProfile(r.Context(), acct.ID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Profile updated",
		"user":    updated.Response(),
	})
}
