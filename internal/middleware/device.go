package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
)

// maxKeyBody bounds how much of a JSON body is buffered to find deviceId.
const maxKeyBody = 1 << 20

const invalidAPIKey = "Invalid API key"

type SessionLookup interface {
	Get(ctx context.Context, deviceID string) (*models.Session, error)
}

type AccountLookup interface {
	GetAccount(ctx context.Context, accountID uint) (*models.Account, error)
}

// DeviceKeyAuth authenticates a request by the access key of the device it
// names. The key is taken from, in order: Authorization Bearer, a bare
// Authorization value, x-api-key, api-key, then the apiKey query
// parameter. It must match the key stored on that exact device.
func DeviceKeyAuth(sessions SessionLookup, accounts AccountLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := requestDeviceID(r)
			if err != nil {
				fail(w, err)
				return
			}
			if deviceID == "" {
				fail(w, apperr.Validation("auth.DeviceKey", "deviceId is required"))
				return
			}
			key := requestAPIKey(r)
			if key == "" {
				fail(w, apperr.Unauthorized("auth.DeviceKey", "API key required"))
				return
			}

			sess, err := sessions.Get(r.Context(), deviceID)
			if apperr.IsNotFound(err) {
				fail(w, apperr.Unauthorized("auth.DeviceKey", invalidAPIKey))
				return
			}
			if err != nil {
				fail(w, err)
				return
			}
			if !sess.HasAPIKey() || subtle.ConstantTimeCompare([]byte(*sess.APIKey), []byte(key)) != 1 {
				fail(w, apperr.Unauthorized("auth.DeviceKey", invalidAPIKey))
				return
			}

			dev := &Device{Session: sess}
			if sess.AccountID != nil {
				if dev.Owner, err = accounts.GetAccount(r.Context(), *sess.AccountID); err != nil {
					fail(w, err)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), dev)))
		})
	}
}

func requestAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if token, ok := bearer(auth); ok {
			return token
		}
		return auth
	}
	for _, h := range []string{"x-api-key", "api-key"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	q := r.URL.Query()
	if v := q.Get("apiKey"); v != "" {
		return v
	}
	return q.Get("api_key")
}

// requestDeviceID reads deviceId from a JSON body, the query string or a
// form body. A JSON body is restored for the next handler.
func requestDeviceID(r *http.Request) (string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" && r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxKeyBody))
		if err != nil {
			return "", apperr.Validation("auth.DeviceKey", "Invalid request body")
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var peek struct {
			DeviceID string `json:"deviceId"`
		}
		if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &peek) == nil && peek.DeviceID != "" {
			return peek.DeviceID, nil
		}
	}
	if id := r.URL.Query().Get("deviceId"); id != "" {
		return id, nil
	}
	if ct == "multipart/form-data" || ct == "application/x-www-form-urlencoded" {
		return r.FormValue("deviceId"), nil
	}
	return "", nil
}
