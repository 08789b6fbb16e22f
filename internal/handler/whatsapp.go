package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/audit"
	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/middleware"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/quota"
	"github.com/schoolhub/messaging-server-go/internal/session"
)

// WhatsAppHandler exposes the dashboard's session lifecycle surface:
// connect, poll status/qr while pairing, disconnect.
type WhatsAppHandler struct {
	manager *session.Manager
	ledger  *quota.Ledger
}

func NewWhatsAppHandler(manager *session.Manager, ledger *quota.Ledger) *WhatsAppHandler {
	return &WhatsAppHandler{manager: manager, ledger: ledger}
}

func (h *WhatsAppHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/connect", h.Connect)
	r.Get("/status", h.Status)
	r.Get("/qr", h.QR)
	r.Post("/disconnect", h.Disconnect)

	return r
}

// POST /whatsapp-integration/connect
func (h *WhatsAppHandler) Connect(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	if err := h.manager.Connect(r.Context(), tenant.ID); err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to initiate connect")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventSessionConnect,
		TenantID: tenant.ID,
	})
	writeData(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

// GET /whatsapp-integration/status
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	snap, err := h.manager.Status(r.Context(), tenant.ID)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to get session status")
		writeError(w, err)
		return
	}

	used, limit, err := h.ledger.Usage(
		r.Context(), tenant.ID, model.ChannelWhatsApp,
		quota.PeriodKey(time.Now()), tenant.WhatsAppLimit,
	)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to get quota usage")
		writeError(w, apperrors.Database(err))
		return
	}

	resp := map[string]any{
		"connected":  snap.Phase == model.PhaseReady,
		"liveStatus": snap.Phase,
		"used":       used,
		"quota":      limit,
	}
	if snap.Phone != "" {
		resp["phone"] = snap.Phone
	}
	writeData(w, http.StatusOK, resp)
}

// GET /whatsapp-integration/qr
func (h *WhatsAppHandler) QR(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	snap, err := h.manager.Status(r.Context(), tenant.ID)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to get session status")
		writeError(w, err)
		return
	}

	resp := map[string]any{"status": snap.Phase}
	if snap.Phase == model.PhaseQR && snap.QR != "" {
		resp["qrCode"] = snap.QR
	}
	writeData(w, http.StatusOK, resp)
}

// POST /whatsapp-integration/disconnect
func (h *WhatsAppHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	if err := h.manager.Disconnect(r.Context(), tenant.ID); err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to disconnect session")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventSessionDisconnect,
		TenantID: tenant.ID,
	})
	writeData(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
