package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
)

type ctxKey int

const (
	accountKey ctxKey = iota
	deviceKey
	requestIDKey
)

// Device is the session authenticated by a device access key, with its
// owner. Owner is nil for unowned legacy sessions.
type Device struct {
	Session *models.Session
	Owner   *models.Account
}

func WithAccount(ctx context.Context, acct *models.Account) context.Context {
	return context.WithValue(ctx, accountKey, acct)
}

// AccountFromContext returns the account set by AccountAuth.
func AccountFromContext(ctx context.Context) (*models.Account, bool) {
	acct, ok := ctx.Value(accountKey).(*models.Account)
	return acct, ok && acct != nil
}

func WithDevice(ctx context.Context, d *Device) context.Context {
	return context.WithValue(ctx, deviceKey, d)
}

// DeviceFromContext returns the device set by DeviceKeyAuth.
func DeviceFromContext(ctx context.Context) (*Device, bool) {
	d, ok := ctx.Value(deviceKey).(*Device)
	return d, ok && d != nil
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func fail(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.Status(err))
	json.NewEncoder(w).Encode(apperr.Body(err))
}
