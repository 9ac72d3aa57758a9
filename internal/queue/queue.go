package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/chatrelay-backend/internal/observability"
)

// TopicTransfers carries conversations that just became qualified for handoff.
const TopicTransfers = "conversation_transfers"

// Handler processes one message body. A returned error triggers a retry.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers to subscribers of the same process with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	maxRetries int
	backoff    time.Duration
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
}

// job wraps a message body with retry info
type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, job{topic: topic, body: body})
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, j job) {
	defer q.wg.Done()
	log := observability.WithFields("topic", j.topic)

	for {
		err := handler(context.Background(), j.body)
		if err == nil {
			return
		}

		j.retryCount++
		if j.retryCount > q.maxRetries {
			log.Error("job permanently failed", "attempts", j.retryCount, "error", err)
			return
		}
		log.Warn("job failed, retrying", "attempt", j.retryCount, "max_retries", q.maxRetries, "error", err)

		// Linear backoff before retry
		time.Sleep(time.Duration(j.retryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// TransferTrigger is the payload on TopicTransfers.
type TransferTrigger struct {
	ConversationID string    `json:"conversation_id"`
	QualifiedAt    time.Time `json:"qualified_at"`
}

func PublishTransfer(ctx context.Context, q Queue, conversationID string) error {
	body, err := json.Marshal(TransferTrigger{ConversationID: conversationID, QualifiedAt: time.Now()})
	if err != nil {
		return err
	}
	return q.Publish(ctx, TopicTransfers, body)
}

// StartTransferSubscriber routes transfer triggers to transfer. Malformed
// payloads are dropped, not retried.
func StartTransferSubscriber(q Queue, transfer func(ctx context.Context, conversationID string) error) error {
	return q.Subscribe(TopicTransfers, func(ctx context.Context, body []byte) error {
		var t TransferTrigger
		if err := json.Unmarshal(body, &t); err != nil || t.ConversationID == "" {
			observability.Logger().Warn("invalid transfer trigger", "body", string(body), "error", err)
			return nil
		}
		return transfer(ctx, t.ConversationID)
	})
}
