// Package app builds the components shared by cmd/server and cmd/worker.
package app

import (
	"context"
	"database/sql"
	"log"

	"github.com/unclebandit/chatrelay-backend/internal/ai"
	"github.com/unclebandit/chatrelay-backend/internal/config"
	"github.com/unclebandit/chatrelay-backend/internal/db"
	"github.com/unclebandit/chatrelay-backend/internal/gateway"
	"github.com/unclebandit/chatrelay-backend/internal/lock"
	"github.com/unclebandit/chatrelay-backend/internal/queue"
	"github.com/unclebandit/chatrelay-backend/internal/repository"
	"github.com/unclebandit/chatrelay-backend/internal/service"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Locker lock.Locker
	Queue  queue.Queue

	Ingestor  *service.Ingestor
	Processor *service.QueueProcessor
	States    *service.StateMachine
	Transfers *service.TransferOrchestrator

	closers []func() error
}

// New connects to the database and picks the lock and queue backends:
// Redis locks when REDIS_URL is set, Postgres otherwise; RabbitMQ when
// AMQP_URL is set, an in-process queue otherwise.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn}
	a.closers = append(a.closers, conn.Close)

	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLockerFromURL(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Println("🔒 Using Redis processing locks")
		a.Locker = rl
		a.closers = append(a.closers, rl.Close)
	} else {
		log.Println("🔒 Using Postgres processing locks")
		a.Locker = lock.NewPostgresLocker(conn)
	}

	if cfg.AMQPURL != "" {
		aq, err := queue.NewAMQPQueue(cfg.AMQPURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Println("📨 Using RabbitMQ for transfer triggers")
		a.Queue = aq
		a.closers = append(a.closers, aq.Close)
	} else {
		log.Println("📨 Using in-memory queue for transfer triggers")
		a.Queue = queue.NewInMemoryQueue()
	}

	conversations := &repository.ConversationRepository{DB: conn}
	messages := &repository.MessageRepository{DB: conn}
	batches := &repository.BatchQueueRepository{DB: conn}
	leads := &repository.LeadRepository{DB: conn}
	agents := &repository.AgentRepository{DB: conn}

	relay := gateway.NewRelayClient(cfg.RelayURL, cfg.RelayToken, cfg.HTTPTimeout, cfg.RelayRPS)
	aiClient := ai.NewClient(cfg.AIURL, cfg.AIAPIKey, cfg.HTTPTimeout)

	a.Ingestor = &service.Ingestor{
		Conversations:  conversations,
		Messages:       messages,
		Batches:        batches,
		Leads:          leads,
		Agents:         agents,
		Audit:          &repository.AuditRepository{DB: conn},
		RelayPhone:     cfg.RelayPhone,
		GroupingWindow: cfg.GroupingWindow,
		MaxRetries:     cfg.QueueMaxRetries,
	}
	a.Processor = &service.QueueProcessor{
		Batches:        batches,
		Conversations:  conversations,
		Messages:       messages,
		Locker:         a.Locker,
		Responder:      aiClient,
		Relay:          relay,
		BatchSize:      cfg.QueueBatchSize,
		LockTTL:        cfg.LockTTL,
		RelayClaimTTL:  cfg.RelayClaimTTL,
		DedupWindow:    cfg.DedupWindow,
		RetryBackoff:   cfg.RetryBackoff,
		GroupingWindow: cfg.GroupingWindow,
	}
	a.States = &service.StateMachine{
		Conversations:     conversations,
		Batches:           batches,
		Leads:             leads,
		Queue:             a.Queue,
		EvaluationTimeout: cfg.EvaluationTimeout,
	}
	a.Transfers = &service.TransferOrchestrator{
		Conversations: conversations,
		Messages:      messages,
		Agents:        agents,
		Handoff:       &repository.HandoffRepository{DB: conn},
		Locker:        a.Locker,
		Summarizer:    aiClient,
		Matcher:       aiClient,
		Relay:         relay,
		BatchSize:     cfg.TransferBatchSize,
		Concurrency:   cfg.TransferConcurrency,
		// summarize, match and relay each get a full HTTP timeout
		LockTTL: 4 * cfg.HTTPTimeout,
	}
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Println("⚠️ close:", err)
		}
	}
	a.closers = nil
}
