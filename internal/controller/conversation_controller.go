// internal/controller/conversation_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
)

// ConversationStates is implemented by service.StateMachine.
type ConversationStates interface {
	Transition(ctx context.Context, id string, to model.ConversationStatus) (*model.Conversation, error)
	EnableFallback(ctx context.Context, id, operator string) (*model.Conversation, error)
	ClearFallback(ctx context.Context, id string) (*model.Conversation, error)
}

// ConversationController serves operator actions: qualification decisions
// and human takeover.
type ConversationController struct {
	States ConversationStates
}

func (c *ConversationController) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Status model.ConversationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	conv, err := c.States.Transition(r.Context(), id, body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, conv)
}

func (c *ConversationController) EnableFallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OperatorID == "" {
		http.Error(w, "operator_id is required", http.StatusBadRequest)
		return
	}

	conv, err := c.States.EnableFallback(r.Context(), id, body.OperatorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, conv)
}

func (c *ConversationController) ClearFallback(w http.ResponseWriter, r *http.Request) {
	conv, err := c.States.ClearFallback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, conv)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case appErrors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, appErrors.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		observability.LoggerFromContext(r.Context()).Error("operator action failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
