package handlers

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/models"
	"wa_gateway/internal/services"
	"wa_gateway/internal/whatsapp"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

var (
	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	apiKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)
)

// SessionManager is the lifecycle surface the HTTP layer drives.
// *whatsapp.Manager satisfies it.
type SessionManager interface {
	Create(ctx context.Context, accountID *uint, deviceID string) (*models.Session, error)
	Start(ctx context.Context, deviceID string) (bool, error)
	Delete(ctx context.Context, deviceID string) error
	QR(deviceID string) (*whatsapp.QRResult, error)
	ProfilePicture(ctx context.Context, deviceID string) (string, error)
	Claim(deviceID string, accountID uint)
}

// LiveStates lists the devices with a connection in this process.
// *whatsapp.Registry satisfies it.
type LiveStates interface {
	ListAll() []whatsapp.Entry
}

// SessionView is a session row merged with its live state.
type SessionView struct {
	DeviceID        string    `json:"deviceId"`
	ConnectionState string    `json:"connectionState"`
	IsActive        bool      `json:"isActive"`
	HasAPIKey       bool      `json:"hasApiKey"`
	PhoneNumber     *string   `json:"phoneNumber"`
	AccountID       *uint     `json:"accountId"`
	Username        *string   `json:"username,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func liveMap(live LiveStates) map[string]string {
	out := make(map[string]string)
	for _, e := range live.ListAll() {
		out[e.DeviceID] = e.State
	}
	return out
}

func viewOf(s *models.Session, live map[string]string) SessionView {
	v := SessionView{
		DeviceID:        s.DeviceID,
		ConnectionState: s.State,
		HasAPIKey:       s.HasAPIKey(),
		PhoneNumber:     s.PhoneNumber,
		AccountID:       s.AccountID,
		CreatedAt:       s.CreatedAt,
	}
	if state, ok := live[s.DeviceID]; ok {
		v.ConnectionState = state
		v.IsActive = true
	}
	return v
}

type SessionHandler struct {
	sessions *services.SessionStore
	manager  SessionManager
	live     LiveStates
	validate *validator.Validate
	log      zerolog.Logger
}

func NewSessionHandler(sessions *services.SessionStore, manager SessionManager, live LiveStates, v *validator.Validate, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		manager:  manager,
		live:     live,
		validate: v,
		log:      log.With().Str("component", "sessions_api").Logger(),
	}
}

// owned loads the {deviceId} session and checks the caller may manage it.
func (h *SessionHandler) owned(r *http.Request) (*models.Account, *models.Session, error) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		return nil, nil, apperr.Unauthorized("sessions", "Invalid or expired token")
	}
	sess, err := h.sessions.Get(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		return nil, nil, err
	}
	if !sess.VisibleTo(acct) {
		return nil, nil, apperr.Forbidden("sessions", "Unauthorized access")
	}
	return acct, sess, nil
}

// List returns the caller's sessions with their live state
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("sessions.List", "Invalid or expired token"))
		return
	}
	rows, err := h.sessions.ListVisible(r.Context(), acct)
	if err != nil {
		respondError(w, err)
		return
	}

	live := liveMap(h.live)
	out := make([]SessionView, 0, len(rows))
	for i := range rows {
		out = append(out, viewOf(&rows[i], live))
	}
	respondData(w, http.StatusOK, out)
}

// Get returns one session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, viewOf(sess, liveMap(h.live)))
}

type createSessionRequest struct {
	DeviceID string `json:"deviceId" validate:"required"`
}

// Create registers a new device and starts pairing
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("sessions.Create", "Invalid or expired token"))
		return
	}
	var req createSessionRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, err)
		return
	}
	if !deviceIDPattern.MatchString(req.DeviceID) {
		respondError(w, apperr.Validation("sessions.Create", "deviceId may only contain letters, digits, '-' and '_' (max 100)"))
		return
	}

	owner := acct.ID
	// A row whose pairing failed to start is kept and can be started again.
	sess, err := h.manager.Create(r.Context(), &owner, req.DeviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": "Session created, scan QR code",
		"data":    viewOf(sess, liveMap(h.live)),
	})
}

// Start opens the protocol connection of an existing session
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	_, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	running, err := h.manager.Start(r.Context(), sess.DeviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	if running {
		respondMessage(w, http.StatusOK, "Session already running")
		return
	}
	respondMessage(w, http.StatusOK, "Session started, scan QR code")
}

// QR returns the current pairing code as an image
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	_, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	qr, err := h.manager.QR(sess.DeviceID)
	if apperr.IsNotFound(err) {
		respondError(w, apperr.NotFound("sessions.QR", "QR Code not generated yet"))
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	if qr.Connected {
		respondMessage(w, http.StatusOK, "Already connected")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"qrCode":  qr.Code,
		"qrImage": qr.Image,
	})
}

// ProfilePicture fetches the avatar of the paired account
func (h *SessionHandler) ProfilePicture(w http.ResponseWriter, r *http.Request) {
	_, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	url, err := h.manager.ProfilePicture(r.Context(), sess.DeviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"profilePictureUrl": url})
}

type apiKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// SetAPIKey stores a supplied or generated device access key
func (h *SessionHandler) SetAPIKey(w http.ResponseWriter, r *http.Request) {
	acct, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req apiKeyRequest
	if err := decode(r, h.validate, &req); err != nil {
		respondError(w, err)
		return
	}

	key := req.APIKey
	if key == "" {
		if key, err = services.GenerateAPIKey(); err != nil {
			respondError(w, err)
			return
		}
	} else if !apiKeyPattern.MatchString(key) {
		respondError(w, apperr.Validation("sessions.SetAPIKey", "apiKey must be 8-128 characters of letters, digits, '-' or '_'"))
		return
	}

	updated, err := h.sessions.SetAPIKey(r.Context(), acct, sess.DeviceID, key)
	if err != nil {
		respondError(w, err)
		return
	}
	if !sess.Owned() && updated.Owned() {
		h.manager.Claim(updated.DeviceID, *updated.AccountID)
		h.log.Info().Str("device_id", sess.DeviceID).Uint("account_id", acct.ID).Msg("legacy session claimed")
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key updated",
		"data": map[string]interface{}{
			"deviceId": updated.DeviceID,
			"apiKey":   key,
		},
	})
}

// Delete logs the device out and removes the session
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	_, sess, err := h.owned(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.manager.Delete(r.Context(), sess.DeviceID); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Session deleted")
}
