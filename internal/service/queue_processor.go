package service

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/lock"
	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/repository"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeSkipped
	outcomeLockBusy
	outcomeError
)

// RunReport summarizes one processor run.
type RunReport struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	LockBusy int `json:"lock_busy"`
	Errors   int `json:"errors"`
}

func (r *RunReport) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeLockBusy:
		r.LockBusy++
	case outcomeError:
		r.Errors++
	}
}

// QueueProcessor answers due batches. Runs may overlap, within one process
// or across instances. The per-conversation lock and the dedup window keep a
// batch from being answered twice; the relay claim on the item keeps a stored
// reply from being relayed twice once the lock lease has run out.
type QueueProcessor struct {
	Batches       repository.BatchQueueRepositoryInterface
	Conversations repository.ConversationRepositoryInterface
	Messages      repository.MessageRepositoryInterface
	Locker        lock.Locker
	Responder     Responder
	Relay         Relayer

	BatchSize      int
	LockTTL        time.Duration
	RelayClaimTTL  time.Duration
	DedupWindow    time.Duration
	RetryBackoff   time.Duration
	GroupingWindow time.Duration
	Now            func() time.Time
}

func (p *QueueProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// RunOnce processes up to BatchSize due items sequentially.
func (p *QueueProcessor) RunOnce(ctx context.Context) (*RunReport, error) {
	limit := p.BatchSize
	if limit <= 0 {
		limit = 10
	}
	items, err := p.Batches.ListDue(ctx, p.now(), limit)
	if err != nil {
		return nil, err
	}

	report := &RunReport{Claimed: len(items)}
	for _, item := range items {
		report.add(p.process(ctx, item))
	}
	if report.Claimed > 0 {
		observability.LoggerFromContext(ctx).Info("queue run finished",
			"claimed", report.Claimed, "sent", report.Sent, "retried", report.Retried,
			"failed", report.Failed, "skipped", report.Skipped, "lock_busy", report.LockBusy, "errors", report.Errors)
	}
	return report, nil
}

func (p *QueueProcessor) process(ctx context.Context, item *model.BatchQueueItem) outcome {
	log := observability.LoggerFromContext(ctx).With("batch_id", item.ID, "conversation_id", item.ConversationID)

	conv, err := p.Conversations.GetByID(ctx, item.ConversationID)
	if err != nil {
		log.Error("failed to load conversation", "error", err)
		return outcomeError
	}
	if !conv.Eligible() {
		if err := p.Batches.MarkSkipped(ctx, item.ID, "conversation no longer eligible"); err != nil {
			log.Error("failed to skip batch", "error", err)
			return outcomeError
		}
		log.Info("batch skipped, conversation not eligible", "status", conv.Status, "fallback_mode", conv.FallbackMode)
		return outcomeSkipped
	}

	key := lock.BatchKey(conv.ID)
	token, ok, err := p.Locker.TryLock(ctx, key, p.lockTTL())
	if err != nil {
		log.Error("failed to acquire processing lock", "error", err)
		return outcomeError
	}
	if !ok {
		log.Debug("batch locked by another run")
		return outcomeLockBusy
	}
	defer func() {
		// release even if the run's context was cancelled meanwhile
		if err := p.Locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release processing lock", "error", err)
		}
	}()

	// another run may have finished this item between ListDue and the lock;
	// re-reading also picks up content appended in the meantime
	item, err = p.Batches.GetByID(ctx, item.ID)
	if err != nil {
		log.Error("failed to reload batch", "error", err)
		return outcomeError
	}
	if item.Status != model.BatchWaiting {
		log.Debug("batch already handled by another run", "status", item.Status)
		return outcomeLockBusy
	}

	if !item.AwaitingRelay() {
		if o, done := p.answer(ctx, conv, item); done {
			return o
		}
	}
	return p.relay(ctx, conv, item)
}

// answer asks the responder and stores the reply on the item. done=true means
// processing of this item ends here with o.
func (p *QueueProcessor) answer(ctx context.Context, conv *model.Conversation, item *model.BatchQueueItem) (o outcome, done bool) {
	log := observability.LoggerFromContext(ctx).With("batch_id", item.ID, "conversation_id", conv.ID)

	// Narrower than "any bot reply within the window": the window starts no
	// earlier than the batch, so only a reply newer than the batch (another
	// run answered it) skips it. Replies to earlier batches do not.
	since := p.now().Add(-p.dedupWindow())
	if item.CreatedAt.After(since) {
		since = item.CreatedAt
	}
	recent, err := p.Messages.HasBotMessageSince(ctx, conv.ID, since, "")
	if err != nil {
		log.Error("dedup check failed", "error", err)
		return outcomeError, true
	}
	if recent {
		if err := p.Batches.MarkSkipped(ctx, item.ID, "bot reply already sent within dedup window"); err != nil {
			log.Error("failed to skip batch", "error", err)
			return outcomeError, true
		}
		log.Info("batch skipped by dedup guard")
		return outcomeSkipped, true
	}

	sessionToken := ""
	if conv.ExternalSessionToken != nil {
		sessionToken = *conv.ExternalSessionToken
	}
	covers := len(item.MessagesContent)
	resp, err := p.Responder.Chat(ctx, item.Query(), sessionToken)
	if err != nil {
		return p.fail(ctx, item, "ai", err), true
	}

	reply := &model.Message{
		ConversationID: conv.ID,
		SenderRole:     model.RoleBot,
		Content:        resp.Answer,
		ContentType:    "text",
		DeliveryStatus: model.DeliveryPending,
		CreatedAt:      p.now(),
	}
	// the message and the item's reply are stored together, so a bot message
	// never exists without a batch that will relay it
	if err := p.Batches.SaveReply(ctx, item.ID, reply, covers); err != nil {
		log.Error("failed to store bot reply", "error", err)
		return p.fail(ctx, item, "store reply", err), true
	}
	if resp.SessionToken != "" {
		if err := p.Conversations.UpdateSessionToken(ctx, conv.ID, resp.SessionToken); err != nil {
			log.Warn("failed to store session token", "error", err)
		}
	}
	item.ReplyContent = resp.Answer
	item.ReplyMessageID = &reply.ID
	item.ReplyCovers = covers

	log.Info("bot reply generated", "contents", covers, "usage_tokens", resp.UsageTokens)
	return 0, false
}

func (p *QueueProcessor) relay(ctx context.Context, conv *model.Conversation, item *model.BatchQueueItem) outcome {
	log := observability.LoggerFromContext(ctx).With("batch_id", item.ID, "conversation_id", conv.ID)

	now := p.now()
	claimed, err := p.Batches.ClaimRelay(ctx, item.ID, now, now.Add(p.relayClaimTTL()))
	if err != nil {
		log.Error("failed to claim relay", "error", err)
		return outcomeError
	}
	if !claimed {
		log.Info("reply relay already in flight in another run")
		return outcomeLockBusy
	}

	providerID, err := p.Relay.Send(ctx, conv.CustomerPhone, item.ReplyContent)
	if err != nil {
		o := p.fail(ctx, item, "relay", err)
		if o == outcomeFailed {
			p.setDelivery(ctx, item, model.DeliveryFailed)
		}
		return o
	}

	p.setDelivery(ctx, item, model.DeliverySent)
	// contents appended after the reply was generated move to a new item
	if err := p.Batches.MarkSent(ctx, item.ID, item.ReplyCovers, p.now().Add(p.GroupingWindow)); err != nil {
		log.Error("reply relayed but batch not marked sent", "error", err)
		return outcomeError
	}
	log.Info("bot reply relayed", "provider_message_id", providerID)
	return outcomeSent
}

func (p *QueueProcessor) setDelivery(ctx context.Context, item *model.BatchQueueItem, status string) {
	if item.ReplyMessageID == nil {
		return
	}
	if err := p.Messages.UpdateDeliveryStatus(ctx, *item.ReplyMessageID, status); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to update delivery status",
			"message_id", *item.ReplyMessageID, "error", err)
	}
}

// fail applies the retry policy: configuration errors end the item at once,
// everything else costs one retry and reschedules after the fixed backoff.
func (p *QueueProcessor) fail(ctx context.Context, item *model.BatchQueueItem, stage string, cause error) outcome {
	log := observability.LoggerFromContext(ctx).With("batch_id", item.ID, "conversation_id", item.ConversationID, "stage", stage)

	if appErrors.IsConfig(cause) {
		if err := p.Batches.MarkFailed(ctx, item.ID, cause.Error()); err != nil {
			log.Error("failed to mark batch failed", "error", err)
			return outcomeError
		}
		log.Error("batch failed on configuration error", "error", cause)
		return outcomeFailed
	}

	updated, err := p.Batches.RecordFailure(ctx, item.ID, cause.Error(), p.now().Add(p.retryBackoff()))
	if err != nil {
		log.Error("failed to record batch failure", "error", err, "cause", cause)
		return outcomeError
	}
	if updated.Status == model.BatchFailed {
		log.Error("batch failed after exhausting retries", "retry_count", updated.RetryCount, "error", cause)
		return outcomeFailed
	}
	log.Warn("batch attempt failed, rescheduled",
		"retry_count", updated.RetryCount, "max_retries", updated.MaxRetries, "scheduled_for", updated.ScheduledFor, "error", cause)
	return outcomeRetried
}

func (p *QueueProcessor) lockTTL() time.Duration {
	if p.LockTTL > 0 {
		return p.LockTTL
	}
	return time.Minute
}

func (p *QueueProcessor) relayClaimTTL() time.Duration {
	if p.RelayClaimTTL > 0 {
		return p.RelayClaimTTL
	}
	return 2 * time.Minute
}

func (p *QueueProcessor) dedupWindow() time.Duration {
	if p.DedupWindow > 0 {
		return p.DedupWindow
	}
	return 30 * time.Second
}

func (p *QueueProcessor) retryBackoff() time.Duration {
	if p.RetryBackoff > 0 {
		return p.RetryBackoff
	}
	return time.Minute
}
