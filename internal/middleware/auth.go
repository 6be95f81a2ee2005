package middleware

import (
	"context"
	"net/http"
	"strings"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
	"wa_gateway/internal/services"
)

// TokenVerifier resolves account tokens. *services.AuthService satisfies it.
type TokenVerifier interface {
	ValidateToken(token string) (*services.JWTClaims, error)
	GetAccount(ctx context.Context, accountID uint) (*models.Account, error)
}

const invalidToken = "Invalid or expired token"

// AccountAuth requires a bearer account token and loads the account it
// names, so role and quota changes apply without re-login.
func AccountAuth(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				fail(w, apperr.Unauthorized("auth", "Authorization header required"))
				return
			}
			acct, err := Authenticate(r.Context(), tokens, token)
			if err != nil {
				fail(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
		})
	}
}

// Authenticate validates a raw account token and loads its account.
func Authenticate(ctx context.Context, tokens TokenVerifier, token string) (*models.Account, error) {
	claims, err := tokens.ValidateToken(token)
	if err != nil {
		return nil, apperr.Unauthorized("auth", invalidToken)
	}
	acct, err := tokens.GetAccount(ctx, claims.UserID)
	if apperr.IsNotFound(err) {
		return nil, apperr.Unauthorized("auth", invalidToken)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// RequireAdmin must run after AccountAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, ok := AccountFromContext(r.Context())
		if !ok || !acct.IsAdmin() {
			fail(w, apperr.Forbidden("auth.RequireAdmin", "Admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
