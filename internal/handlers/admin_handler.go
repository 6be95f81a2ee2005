package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/models"
	"wa_gateway/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type AdminHandler struct {
	accounts  *services.AccountService
	sessions  *services.SessionStore
	manager   SessionManager
	live      LiveStates
	validate  *validator.Validate
	log       zerolog.Logger
	startedAt time.Time
}

func NewAdminHandler(accounts *services.AccountService, sessions *services.SessionStore, manager SessionManager, live LiveStates, v *validator.Validate, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		accounts:  accounts,
		sessions:  sessions,
		manager:   manager,
		live:      live,
		validate:  v,
		log:       log.With().Str("component", "admin_api").Logger(),
		startedAt: time.Now(),
	}
}

// ListUsers returns every account with its session count
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, users)
}

// VerifyUser marks an account as verified so it can log in
func (h *AdminHandler) VerifyUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	acct, err := h.accounts.Verify(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "User verified",
		"user":    acct.Response(),
	})
}

// DeleteUser tears down the account's devices and removes the account
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.AccountFromContext(r.Context())
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	if actor.ID == id {
		respondError(w, apperr.Validation("admin.DeleteUser", "Cannot delete your own account"))
		return
	}
	if _, err := h.accounts.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	owned, err := h.sessions.ListByAccount(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	for _, s := range owned {
		if err := h.manager.Delete(r.Context(), s.DeviceID); err != nil && !apperr.IsNotFound(err) {
			h.log.Warn().Err(err).Str("device_id", s.DeviceID).Uint("account_id", id).Msg("session teardown failed")
		}
	}

	if err := h.accounts.Delete(r.Context(), actor.ID, id); err != nil {
		respondError(w, err)
		return
	}
	h.log.Info().Uint("account_id", id).Int("sessions", len(owned)).Msg("account deleted")
	respondMessage(w, http.StatusOK, "User deleted")
}

// UserSessions lists the sessions owned by one account
func (h *AdminHandler) UserSessions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	rows, err := h.sessions.ListByAccount(r.Context(), id)
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

// Devices lists every session with its owner's username
func (h *AdminHandler) Devices(w http.ResponseWriter, r *http.Request) {
	rows, err := h.sessions.ListAllWithOwner(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	live := liveMap(h.live)
	out := make([]SessionView, 0, len(rows))
	for i := range rows {
		v := viewOf(&rows[i].Session, live)
		v.Username = rows[i].Username
		out = append(out, v)
	}
	respondData(w, http.StatusOK, out)
}

// DeleteDevice removes any session regardless of owner
func (h *AdminHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), mux.Vars(r)["deviceId"]); err != nil {
		respondError(w, err)
		return
	}
	respondMessage(w, http.StatusOK, "Session deleted")
}

// Metrics reports process resources and application counters
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.accounts.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	live := h.live.ListAll()
	connected := 0
	for _, e := range live {
		if e.State == models.StateConnected {
			connected++
		}
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"system": map[string]interface{}{
			"goVersion":     runtime.Version(),
			"cpuCount":      runtime.NumCPU(),
			"goroutines":    runtime.NumGoroutine(),
			"memAllocMb":    float64(mem.Alloc) / (1024 * 1024),
			"memSysMb":      float64(mem.Sys) / (1024 * 1024),
			"heapObjects":   mem.HeapObjects,
			"gcCycles":      mem.NumGC,
			"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		},
		"app": map[string]interface{}{
			"totalSessions":     stats.TotalSessions,
			"connectedSessions": connected,
			"activeSessions":    len(live),
			"totalUsers":        stats.TotalUsers,
			"adminUsers":        stats.AdminUsers,
			"clientUsers":       stats.ClientUsers,
			"unverifiedUsers":   stats.UnverifiedUsers,
		},
	})
}

// Quotas lists every account's limits and usage
func (h *AdminHandler) Quotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := h.accounts.Quotas(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, quotas)
}

// Quota returns one account's limits and usage
func (h *AdminHandler) Quota(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	q, err := h.accounts.Quota(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, q)
}

// UpdateQuota applies a partial quota profile edit. An explicit
// "accountExpiry": null removes the expiry.
func (h *AdminHandler) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		respondError(w, apperr.Validation("admin.UpdateQuota", "Invalid request body"))
		return
	}

	var upd services.QuotaUpdate
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &upd) != nil || json.Unmarshal(raw, &fields) != nil {
		respondError(w, apperr.Validation("admin.UpdateQuota", "Invalid request body"))
		return
	}
	if v, ok := fields["accountExpiry"]; ok && string(v) == "null" {
		upd.ClearExpiry = true
	}
	if err := h.validate.Struct(&upd); err != nil {
		respondError(w, apperr.Validation("admin.UpdateQuota", validationMessage(err)))
		return
	}

	q, err := h.accounts.UpdateQuota(r.Context(), id, upd)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Quota updated",
		"data":    q,
	})
}
