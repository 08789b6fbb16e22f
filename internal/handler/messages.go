package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
	"github.com/schoolhub/messaging-server-go/internal/middleware"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/queue"
	"github.com/schoolhub/messaging-server-go/internal/repository"
)

// MessagesHandler accepts dashboard-initiated sends and exposes the failed
// message feed.
type MessagesHandler struct {
	queue     *queue.Queue
	queueRepo repository.QueueRepository
}

func NewMessagesHandler(q *queue.Queue, queueRepo repository.QueueRepository) *MessagesHandler {
	return &MessagesHandler{queue: q, queueRepo: queueRepo}
}

func (h *MessagesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Enqueue)
	r.Get("/failed", h.Failed)

	return r
}

type enqueueRequest struct {
	Channel   model.Channel `json:"channel"`
	Recipient string        `json:"recipient"`
	Body      string        `json:"body"`
	Priority  *int          `json:"priority,omitempty"`
}

// POST /messages
func (h *MessagesHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	priority := model.PriorityNormal
	if req.Priority != nil {
		priority = model.Priority(*req.Priority)
	}

	msg, err := h.queue.Enqueue(r.Context(), model.EnqueueMessageParams{
		TenantID:  tenant.ID,
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Body:      req.Body,
		Priority:  priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusAccepted, map[string]any{
		"id":     msg.ID,
		"status": msg.Status,
	})
}

// GET /messages/failed
func (h *MessagesHandler) Failed(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r.Context())
	limit, offset := pagination(r)

	msgs, err := h.queueRepo.FindByTenantAndStatus(r.Context(), tenant.ID, model.StatusFailed, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to list failed messages")
		writeError(w, apperrors.Database(err))
		return
	}

	total, err := h.queueRepo.CountByTenantAndStatus(r.Context(), tenant.ID, model.StatusFailed)
	if err != nil {
		log.Error().Err(err).Str("tenantId", tenant.ID).Msg("failed to count failed messages")
		writeError(w, apperrors.Database(err))
		return
	}

	writeData(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}
