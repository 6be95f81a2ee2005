package handlers

import (
	"context"
	"net/http"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/middleware"
	"wa_gateway/internal/models"
	"wa_gateway/internal/services"
)

type UsageReader interface {
	Usage(ctx context.Context, acct *models.Account) (*services.Usage, error)
}

type QuotaHandler struct {
	usage UsageReader
}

func NewQuotaHandler(usage UsageReader) *QuotaHandler {
	return &QuotaHandler{usage: usage}
}

// MyQuota returns the caller's limits and current usage
func (h *QuotaHandler) MyQuota(w http.ResponseWriter, r *http.Request) {
	acct, ok := middleware.AccountFromContext(r.Context())
	if !ok {
		respondError(w, apperr.Unauthorized("quota.MyQuota", "Invalid or expired token"))
		return
	}
	usage, err := h.usage.Usage(r.Context(), acct)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, services.AccountQuota{
		Account: acct.Response(),
		Quota:   acct.Profile(),
		Usage:   usage,
	})
}
