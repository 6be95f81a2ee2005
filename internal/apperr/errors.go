// Package apperr holds the error taxonomy shared by services, the session
// manager and the HTTP layer. Every error that reaches a handler is mapped
// to a status code through Status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel kinds. Callers match with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrSessionState  = errors.New("session state")
	ErrUpstream      = errors.New("upstream protocol error")
	ErrStorage       = errors.New("storage error")
)

// Error is a typed operation error.
// Msg is user-facing and must not carry secrets; Err is the internal cause.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(op, msg string) error { return &Error{Op: op, Kind: ErrValidation, Msg: msg} }

func Unauthorized(op, msg string) error { return &Error{Op: op, Kind: ErrUnauthorized, Msg: msg} }

func Forbidden(op, msg string) error { return &Error{Op: op, Kind: ErrForbidden, Msg: msg} }

func NotFound(op, msg string) error { return &Error{Op: op, Kind: ErrNotFound, Msg: msg} }

func Conflict(op, msg string) error { return &Error{Op: op, Kind: ErrConflict, Msg: msg} }

func SessionState(op, msg string) error { return &Error{Op: op, Kind: ErrSessionState, Msg: msg} }

func Upstream(op string, err error) error {
	return &Error{Op: op, Kind: ErrUpstream, Err: err}
}

func Storage(op string, err error) error {
	return &Error{Op: op, Kind: ErrStorage, Msg: "Database error", Err: err}
}

// Quota dimensions.
const (
	DimensionDevices        = "device_limit"
	DimensionDailyMessages  = "message_quota_daily"
	DimensionMonthlyMessage = "message_quota_monthly"
	DimensionStorage        = "storage_limit_mb"
	DimensionExpiry         = "account_expiry"
)

// QuotaError is the structured rejection returned by quota guards.
type QuotaError struct {
	Dimension string
	Limit     float64
	Used      float64
	ExpiresAt *time.Time
}

func (e *QuotaError) Error() string {
	switch e.Dimension {
	case DimensionDevices:
		return "Device limit reached"
	case DimensionDailyMessages:
		return "Daily message quota exceeded"
	case DimensionMonthlyMessage:
		return "Monthly message quota exceeded"
	case DimensionStorage:
		return "Storage limit exceeded"
	case DimensionExpiry:
		return "Account has expired"
	default:
		return "Quota exceeded"
	}
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// AsQuota extracts a QuotaError from err.
func AsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrSessionState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to show to API clients.
func Message(err error) string {
	if qe, ok := AsQuota(err); ok {
		return qe.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if errors.Is(e.Kind, ErrUpstream) && e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.Error()
	}
	return "Internal server error"
}

// Body builds the JSON error body for err. Quota rejections carry the
// dimension, limit and usage so clients can tell which limit was hit.
func Body(err error) map[string]interface{} {
	body := map[string]interface{}{
		"success": false,
		"error":   Message(err),
	}
	if qe, ok := AsQuota(err); ok {
		quota := map[string]interface{}{
			"type":  qe.Dimension,
			"limit": qe.Limit,
			"used":  qe.Used,
		}
		if qe.ExpiresAt != nil {
			quota["expiresAt"] = qe.ExpiresAt
		}
		body["quota"] = quota
	}
	return body
}
