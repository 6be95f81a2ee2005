package handlers

import (
	"net/http"

	"wa_gateway/internal/middleware"
	"wa_gateway/internal/services"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Auth     *AuthHandler
	Sessions *SessionHandler
	Messages *MessageHandler
	Files    *FileHandler
	Quota    *QuotaHandler
	Admin    *AdminHandler
	Events   *EventsHandler

	Tokens       middleware.TokenVerifier
	SessionRows  middleware.SessionLookup
	Guard        middleware.QuotaGuard
	Metrics      http.Handler
	UploadsDir   string
	MaxFileSize  int64
	AllowOrigins []string
	Log          zerolog.Logger
}

// multipartOverhead is headroom for form fields around the uploaded file.
const multipartOverhead = 1 << 20

func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(d.Log))

	account := middleware.AccountAuth(d.Tokens)
	notExpired := middleware.RequireNotExpired(d.Guard)
	deviceKey := middleware.DeviceKeyAuth(d.SessionRows, d.Tokens)

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}

	// Auth
	r.HandleFunc("/api/auth/signup", d.Auth.Signup).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", d.Auth.Login).Methods(http.MethodPost)
	r.Handle("/api/auth/me", account(http.HandlerFunc(d.Auth.Me))).Methods(http.MethodGet)
	r.Handle("/api/auth/update-profile", account(http.HandlerFunc(d.Auth.UpdateProfile))).Methods(http.MethodPut)

	r.Handle("/api/user/my-quota", account(http.HandlerFunc(d.Quota.MyQuota))).Methods(http.MethodGet)

	// Sessions. The events stream authenticates itself and must be
	// registered before the {deviceId} routes.
	r.HandleFunc("/api/sessions/events", d.Events.Serve).Methods(http.MethodGet)

	sessions := r.PathPrefix("/api/sessions").Subrouter()
	sessions.Use(mux.MiddlewareFunc(account))
	sessions.HandleFunc("", d.Sessions.List).Methods(http.MethodGet)
	sessions.Handle("", notExpired(middleware.RequireDeviceSlot(d.Guard)(http.HandlerFunc(d.Sessions.Create)))).Methods(http.MethodPost)
	sessions.HandleFunc("/{deviceId}", d.Sessions.Get).Methods(http.MethodGet)
	sessions.HandleFunc("/{deviceId}", d.Sessions.Delete).Methods(http.MethodDelete)
	sessions.Handle("/{deviceId}/start", notExpired(http.HandlerFunc(d.Sessions.Start))).Methods(http.MethodPost)
	sessions.HandleFunc("/{deviceId}/qr", d.Sessions.QR).Methods(http.MethodGet)
	sessions.HandleFunc("/{deviceId}/profile-picture", d.Sessions.ProfilePicture).Methods(http.MethodGet)
	sessions.HandleFunc("/{deviceId}/api-key", d.Sessions.SetAPIKey).Methods(http.MethodPut)

	// Device-key routes
	keyed := func(h http.HandlerFunc) http.Handler { return deviceKey(notExpired(h)) }
	r.Handle("/api/messages/send", keyed(d.Messages.Send)).Methods(http.MethodPost)
	r.Handle("/api/messages/send", keyed(d.Messages.SendQuery)).Methods(http.MethodGet)
	r.Handle("/api/messages/send-file", keyed(d.Messages.SendFile)).Methods(http.MethodPost)
	r.Handle("/api/messages/send-file", keyed(d.Messages.SendFileQuery)).Methods(http.MethodGet)

	r.Handle("/api/files/upload", http.MaxBytesHandler(keyed(d.Files.Upload), d.MaxFileSize+multipartOverhead)).Methods(http.MethodPost)
	r.Handle("/api/files/list", keyed(d.Files.List)).Methods(http.MethodGet)
	r.Handle("/api/files/{filename}", keyed(d.Files.Delete)).Methods(http.MethodDelete)

	// Admin
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(mux.MiddlewareFunc(account), middleware.RequireAdmin)
	admin.HandleFunc("/users", d.Admin.ListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/verify", d.Admin.VerifyUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}", d.Admin.DeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{id}/sessions", d.Admin.UserSessions).Methods(http.MethodGet)
	admin.HandleFunc("/devices", d.Admin.Devices).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{deviceId}", d.Admin.DeleteDevice).Methods(http.MethodDelete)
	admin.HandleFunc("/metrics", d.Admin.Metrics).Methods(http.MethodGet)
	admin.HandleFunc("/quotas", d.Admin.Quotas).Methods(http.MethodGet)
	admin.HandleFunc("/quotas/{id}", d.Admin.Quota).Methods(http.MethodGet)
	admin.HandleFunc("/quotas/{id}", d.Admin.UpdateQuota).Methods(http.MethodPut)

	if d.UploadsDir != "" {
		r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(d.UploadsDir))))
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "Route not found"})
	})

	return cors.New(cors.Options{
		AllowedOrigins: d.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "x-api-key", "api-key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}).Handler(r)
}

// compile-time checks
var (
	_ middleware.SessionLookup = (*services.SessionStore)(nil)
	_ middleware.TokenVerifier = (*services.AuthService)(nil)
	_ middleware.QuotaGuard    = (*services.QuotaLedger)(nil)
)
