package service

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/queue"
	"github.com/unclebandit/chatrelay-backend/internal/repository"
)

var transitions = map[model.ConversationStatus][]model.ConversationStatus{
	model.StatusBotAttending:         {model.StatusWaitingEvaluation, model.StatusFinished},
	model.StatusWaitingEvaluation:    {model.StatusQualifiedForTransfer, model.StatusSentToSeller, model.StatusBotAttending, model.StatusFinished},
	model.StatusQualifiedForTransfer: {model.StatusSentToSeller, model.StatusFinished},
	model.StatusSentToSeller:         {model.StatusFinished},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to model.ConversationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine owns every status change outside the handoff transaction.
type StateMachine struct {
	Conversations repository.ConversationRepositoryInterface
	Batches       repository.BatchQueueRepositoryInterface
	Leads         repository.LeadRepositoryInterface
	Queue         queue.Queue

	EvaluationTimeout time.Duration
	SweepLimit        int
	Now               func() time.Time
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition moves the conversation to `to` if that is legal from its current
// status and nobody changed the status in between.
func (m *StateMachine) Transition(ctx context.Context, id string, to model.ConversationStatus) (*model.Conversation, error) {
	conv, err := m.Conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := conv.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, from, to)
	}

	ok, err := m.Conversations.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status changed from %s concurrently", appErrors.ErrInvalidTransition, from)
	}
	conv.Status = to
	conv.StatusChangedAt = m.now()

	log := observability.LoggerFromContext(ctx).With("conversation_id", id)
	log.Info("conversation status changed", "from", from, "to", to)

	if to == model.StatusQualifiedForTransfer {
		m.publishTransfer(ctx, id)
	}
	return conv, nil
}

// a lost trigger only delays the handoff until the next transfer sweep
func (m *StateMachine) publishTransfer(ctx context.Context, id string) {
	if m.Queue == nil {
		return
	}
	if err := queue.PublishTransfer(ctx, m.Queue, id); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to publish transfer trigger",
			"conversation_id", id, "error", err)
	}
}

// EnableFallback hands the conversation to a human operator. Waiting batches
// are skipped so the bot stays silent from here on.
func (m *StateMachine) EnableFallback(ctx context.Context, id, operator string) (*model.Conversation, error) {
	conv, err := m.Conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.StatusFinished {
		return nil, fmt.Errorf("%w: conversation is finished", appErrors.ErrInvalidTransition)
	}

	ok, err := m.Conversations.EnableFallback(ctx, id, operator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: conversation is finished", appErrors.ErrInvalidTransition)
	}

	skipped, err := m.Batches.SkipWaitingForConversation(ctx, id, "fallback enabled")
	if err != nil {
		return nil, fmt.Errorf("skip waiting batches: %w", err)
	}

	observability.LoggerFromContext(ctx).Info("fallback enabled",
		"conversation_id", id, "operator", operator, "skipped_batches", skipped)

	conv.FallbackMode = true
	conv.FallbackOwner = &operator
	conv.Status = model.StatusSentToSeller
	conv.StatusChangedAt = m.now()
	return conv, nil
}

// ClearFallback ends a human takeover. The bot resumes only for
// conversations that were never handed to an agent.
func (m *StateMachine) ClearFallback(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := m.Conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.FallbackMode {
		return conv, nil
	}

	resume := model.StatusBotAttending
	lead, err := m.Leads.GetByConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if lead != nil {
		resume = model.StatusSentToSeller
	}

	ok, err := m.Conversations.ClearFallback(ctx, id, resume)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: conversation is finished", appErrors.ErrInvalidTransition)
	}

	observability.LoggerFromContext(ctx).Info("fallback cleared", "conversation_id", id, "resume", resume)

	conv.FallbackMode = false
	conv.FallbackOwner = nil
	conv.Status = resume
	conv.StatusChangedAt = m.now()
	return conv, nil
}

// SweepEvaluationTimeouts qualifies conversations left in waiting_evaluation
// longer than EvaluationTimeout. It returns how many were moved.
func (m *StateMachine) SweepEvaluationTimeouts(ctx context.Context) (int, error) {
	timeout := m.EvaluationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	limit := m.SweepLimit
	if limit <= 0 {
		limit = 100
	}

	convs, err := m.Conversations.ListByStatus(ctx, model.StatusWaitingEvaluation, m.now().Add(-timeout), limit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, c := range convs {
		if _, err := m.Transition(ctx, c.ID, model.StatusQualifiedForTransfer); err != nil {
			// an operator decision may have landed first
			observability.LoggerFromContext(ctx).Debug("evaluation timeout not applied",
				"conversation_id", c.ID, "error", err)
			continue
		}
		moved++
	}
	if moved > 0 {
		observability.LoggerFromContext(ctx).Info("evaluation timeouts applied", "qualified", moved)
	}
	return moved, nil
}
