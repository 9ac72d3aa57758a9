// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/chatrelay-backend/internal/app"
	"github.com/unclebandit/chatrelay-backend/internal/config"
	"github.com/unclebandit/chatrelay-backend/internal/controller"
	"github.com/unclebandit/chatrelay-backend/internal/handler"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/queue"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("❌ startup failed: ", err)
	}
	defer a.Close()

	// without a broker, qualified conversations are transferred in-process
	if _, ok := a.Queue.(*queue.InMemoryQueue); ok {
		if err := queue.StartTransferSubscriber(a.Queue, a.Transfers.HandleTrigger); err != nil {
			log.Fatal("❌ transfer subscriber: ", err)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Println("🚀 Server running on", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("⚠️ shutdown:", err)
	}
}

func newRouter(a *app.App) http.Handler {
	webhookHandler := handler.NewWebhookHandler(a.Ingestor)
	jobHandler := &handler.JobHandler{
		Queue:      a.Processor,
		Transfers:  a.Transfers,
		Evaluation: a.States,
	}
	conversationController := &controller.ConversationController{States: a.States}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Health)

	// Provider webhook
	r.Post("/webhook", webhookHandler.Receive)

	// Operator actions
	r.Post("/conversations/{id}/status", conversationController.UpdateStatus)
	r.Post("/conversations/{id}/fallback", conversationController.EnableFallback)
	r.Delete("/conversations/{id}/fallback", conversationController.ClearFallback)

	// External scheduler triggers
	r.Post("/jobs/process-queue", jobHandler.ProcessQueue)
	r.Post("/jobs/transfer", jobHandler.Transfer)
	r.Post("/jobs/evaluate", jobHandler.Evaluate)

	return r
}

// requestLogger carries chi's request id into the service loggers.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
