package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/unclebandit/chatrelay-backend/internal/app"
	"github.com/unclebandit/chatrelay-backend/internal/config"
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

	if err := queue.StartTransferSubscriber(a.Queue, a.Transfers.HandleTrigger); err != nil {
		log.Fatal("❌ transfer subscriber: ", err)
	}

	c, err := newScheduler(ctx, cfg, jobs{
		processQueue: func(ctx context.Context) error {
			_, err := a.Processor.RunOnce(ctx)
			return err
		},
		transfer: func(ctx context.Context) error {
			_, err := a.Transfers.Run(ctx)
			return err
		},
		evaluate: func(ctx context.Context) error {
			_, err := a.States.SweepEvaluationTimeouts(ctx)
			return err
		},
	})
	if err != nil {
		log.Fatal("❌ scheduler: ", err)
	}
	c.Start()
	log.Println("⏱️ Worker running, waiting for jobs...")

	<-ctx.Done()
	log.Println("🛑 Stopping worker")
	// wait for running jobs before the deferred Close drops the connections
	<-c.Stop().Done()
	if q, ok := a.Queue.(*queue.InMemoryQueue); ok {
		q.Wait()
	}
}

type jobs struct {
	processQueue func(ctx context.Context) error
	transfer     func(ctx context.Context) error
	evaluate     func(ctx context.Context) error
}

// newScheduler registers the periodic jobs. SkipIfStillRunning keeps one
// instance of each job per process; overlap across processes is handled by
// the jobs themselves.
func newScheduler(ctx context.Context, cfg *config.Config, j jobs) (*cron.Cron, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	for _, e := range []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"process-queue", cfg.QueueSchedule, j.processQueue},
		{"transfer", cfg.TransferSchedule, j.transfer},
		{"evaluate", cfg.EvaluationSchedule, j.evaluate},
	} {
		name, run := e.name, e.run
		if _, err := c.AddFunc(e.spec, func() {
			if err := run(ctx); err != nil {
				observability.WithFields("job", name).Error("job run failed", "error", err)
			}
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}
