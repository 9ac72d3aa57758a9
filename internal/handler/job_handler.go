// internal/handler/job_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/unclebandit/chatrelay-backend/internal/service"
)

type QueueRunner interface {
	RunOnce(ctx context.Context) (*service.RunReport, error)
}

type TransferRunner interface {
	Run(ctx context.Context) (*service.TransferReport, error)
}

type EvaluationSweeper interface {
	SweepEvaluationTimeouts(ctx context.Context) (int, error)
}

// JobHandler lets an external scheduler trigger the periodic jobs over HTTP.
// Overlapping triggers are safe; the jobs coordinate through locks.
type JobHandler struct {
	Queue      QueueRunner
	Transfers  TransferRunner
	Evaluation EvaluationSweeper
}

func (h *JobHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.Queue.RunOnce(r.Context())
	if err != nil {
		http.Error(w, "queue run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *JobHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	report, err := h.Transfers.Run(r.Context())
	if err != nil {
		http.Error(w, "transfer run failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *JobHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	moved, err := h.Evaluation.SweepEvaluationTimeouts(r.Context())
	if err != nil {
		http.Error(w, "evaluation sweep failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"qualified": moved})
}

// Health reports liveness only.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
