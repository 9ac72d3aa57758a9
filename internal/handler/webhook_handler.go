// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/service"
)

const maxWebhookBody = 1 << 20

// Ingester is the part of service.Ingestor the webhook needs.
type Ingester interface {
	Ingest(ctx context.Context, event service.InboundEvent, raw json.RawMessage) (*service.IngestResult, error)
}

// WebhookHandler receives provider deliveries
type WebhookHandler struct {
	Ingestor Ingester
}

func NewWebhookHandler(ing Ingester) *WebhookHandler {
	return &WebhookHandler{Ingestor: ing}
}

// Receive answers 200 as soon as the delivery is audited. Failures further
// down are only logged so the provider does not redeliver the whole batch.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	log := observability.LoggerFromContext(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var event service.InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Warn("malformed webhook payload", "error", err)
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.Ingestor.Ingest(r.Context(), event, raw)
	if err != nil {
		http.Error(w, "failed to record webhook", http.StatusInternalServerError)
		return
	}

	log.Info("webhook ingested",
		"received", result.Received, "queued", result.Queued, "forwarded", result.Forwarded,
		"duplicates", result.Duplicates, "unrouted", result.Unrouted, "errors", result.Errors)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
