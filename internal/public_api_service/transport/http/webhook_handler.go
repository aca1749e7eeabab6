package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexreach/golang_services/internal/core_domain"
	replyapp "github.com/lexreach/golang_services/internal/reply_ingestion_service/app"
)

// ReplyService marks records responded from detected replies.
type ReplyService interface {
	Process(ctx context.Context, evt core_domain.ReplyEvent) (replyapp.Result, error)
}

type WebhookHandler struct {
	replies ReplyService
	logger  *slog.Logger
}

func NewWebhookHandler(replies ReplyService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{replies: replies, logger: logger.With("component", "webhook_handler")}
}

// RegisterRoutes mounts webhook routes. The caller applies the shared-secret check.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/replies", h.Reply)
}

// Reply answers 200 for unknown message ids so the sender does not retry them.
func (h *WebhookHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var evt core_domain.ReplyEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode reply webhook", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body", "")
		return
	}
	res, err := h.replies.Process(ctx, evt)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "Reply")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, ReplyAcceptedResponse{Result: string(res)})
}
