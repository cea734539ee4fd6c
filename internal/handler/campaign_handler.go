// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// StatusReader is the read side of the campaign service.
type StatusReader interface {
	GetStatus(ctx context.Context, id string) (*model.CampaignStatus, error)
}

// CampaignHandler serves campaign progress to pollers.
type CampaignHandler struct {
	Service StatusReader
	Logger  *zap.Logger
}

func NewCampaignHandler(svc StatusReader, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Logger: log}
}

// GetEmailStatus returns the send progress of one campaign.
func (h *CampaignHandler) GetEmailStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")

	st, err := h.Service.GetStatus(r.Context(), id)
	if err != nil {
		status := appErrors.HTTPStatus(err)
		if status >= http.StatusInternalServerError && h.Logger != nil {
			h.Logger.Error("failed to fetch campaign status", zap.String("campaign_id", id), zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": appErrors.PublicMessage(err)})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

// HealthCheck reports liveness. Ping, when set, is run against the store.
type HealthCheck struct {
	Ping func(ctx context.Context) error
}

func (h HealthCheck) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
