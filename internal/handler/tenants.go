package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/audit"
	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/repository"
	"github.com/schoolhub/messaging-server-go/internal/util"
)

// TenantsHandler provisions tenant accounts. Operator-only: guarded by the
// admin token, not tenant credentials.
type TenantsHandler struct {
	tenantRepo repository.TenantRepository
	adminToken string
}

func NewTenantsHandler(tenantRepo repository.TenantRepository, adminToken string) *TenantsHandler {
	return &TenantsHandler{tenantRepo: tenantRepo, adminToken: adminToken}
}

func (h *TenantsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(h.requireAdmin)
	r.Post("/", h.Create)

	return r
}

func (h *TenantsHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if h.adminToken == "" || !util.ConstantTimeEqual(token, h.adminToken) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeError(w, apperrors.Unauthorized("Admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createTenantRequest struct {
	Name            string `json:"name"`
	WhatsAppLimit   int    `json:"whatsappLimit"`
	EmailLimit      int    `json:"emailLimit"`
	SMSLimit        int    `json:"smsLimit"`
	RateLimitPerMin int    `json:"rateLimitPerMinute"`
}

// POST /admin/tenants
// Returns the API token once; only its hash is stored.
func (h *TenantsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.MissingRequired("name"))
		return
	}

	token, err := util.GenerateToken()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate tenant token")
		writeError(w, apperrors.Internal("Failed to generate token"))
		return
	}

	tenant, err := h.tenantRepo.Create(r.Context(), model.CreateTenantParams{
		Name:            req.Name,
		APITokenHash:    util.HashToken(token),
		WhatsAppLimit:   req.WhatsAppLimit,
		EmailLimit:      req.EmailLimit,
		SMSLimit:        req.SMSLimit,
		RateLimitPerMin: req.RateLimitPerMin,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create tenant")
		writeError(w, apperrors.Database(err))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventTenantCreate,
		TenantID: tenant.ID,
	})
	writeData(w, http.StatusCreated, map[string]any{
		"tenant":   tenant,
		"apiToken": token,
	})
}
