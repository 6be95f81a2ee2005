package middleware

import (
	"context"
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
)

type QuotaGuard interface {
	CheckAccountExpiry(acct *models.Account) error
	CheckDeviceLimit(ctx context.Context, acct *models.Account) error
}

// actingAccount is the account a quota applies to: the token's account,
// or the owner of the key-authenticated device.
func actingAccount(ctx context.Context) *models.Account {
	if acct, ok := AccountFromContext(ctx); ok {
		return acct
	}
	if dev, ok := DeviceFromContext(ctx); ok {
		return dev.Owner
	}
	return nil
}

// RequireNotExpired rejects requests of expired accounts. Requests of
// unowned devices pass.
func RequireNotExpired(q QuotaGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if acct := actingAccount(r.Context()); acct != nil {
				if err := q.CheckAccountExpiry(acct); err != nil {
					fail(w, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireDeviceSlot rejects session creation once the device limit is
// reached. It must run after AccountAuth.
func RequireDeviceSlot(q QuotaGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, ok := AccountFromContext(r.Context())
			if !ok {
				fail(w, apperr.Unauthorized("quota.RequireDeviceSlot", invalidToken))
				return
			}
			if err := q.CheckDeviceLimit(r.Context(), acct); err != nil {
				fail(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
