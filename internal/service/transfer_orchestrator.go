package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/chatrelay-backend/internal/ai"
	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/lock"
	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/repository"
)

// TransferReport summarizes one transfer sweep.
type TransferReport struct {
	Candidates  int `json:"candidates"`
	Transferred int `json:"transferred"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

// TransferOrchestrator hands qualified conversations to an agent: summary,
// agent choice, notice through the relay, then the lead is committed.
type TransferOrchestrator struct {
	Conversations repository.ConversationRepositoryInterface
	Messages      repository.MessageRepositoryInterface
	Agents        repository.AgentRepositoryInterface
	Handoff       repository.HandoffRepositoryInterface
	Locker        lock.Locker
	Summarizer    Summarizer
	Matcher       Matcher
	Relay         Relayer

	BatchSize   int
	Concurrency int
	LockTTL     time.Duration
	Now         func() time.Time
}

func (o *TransferOrchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run transfers up to BatchSize qualified conversations, at most Concurrency
// at a time. A failure on one conversation never stops the others.
func (o *TransferOrchestrator) Run(ctx context.Context) (*TransferReport, error) {
	limit := o.BatchSize
	if limit <= 0 {
		limit = 20
	}
	convs, err := o.Conversations.ListByStatus(ctx, model.StatusQualifiedForTransfer, o.now(), limit)
	if err != nil {
		return nil, err
	}

	report := &TransferReport{Candidates: len(convs)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.concurrency())
	for _, c := range convs {
		id := c.ID
		g.Go(func() error {
			lead, err := o.Transfer(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && lead != nil:
				report.Transferred++
			case err == nil, isContention(err):
				report.Skipped++
			default:
				report.Failed++
				observability.LoggerFromContext(ctx).Error("transfer failed", "conversation_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Candidates > 0 {
		observability.LoggerFromContext(ctx).Info("transfer run finished",
			"candidates", report.Candidates, "transferred", report.Transferred,
			"skipped", report.Skipped, "failed", report.Failed)
	}
	return report, nil
}

// HandleTrigger is the queue-consumer entry point. Contention is not an
// error there: whoever holds the conversation finishes the job.
func (o *TransferOrchestrator) HandleTrigger(ctx context.Context, conversationID string) error {
	_, err := o.Transfer(ctx, conversationID)
	if isContention(err) || appErrors.IsNotFound(err) || appErrors.IsConfig(err) {
		if err != nil {
			observability.LoggerFromContext(ctx).Debug("transfer trigger dropped",
				"conversation_id", conversationID, "error", err)
		}
		return nil
	}
	return err
}

func isContention(err error) bool {
	return errors.Is(err, appErrors.ErrLockHeld) || errors.Is(err, appErrors.ErrAlreadyTransferred)
}

// Transfer hands one conversation to an agent. It returns nil, nil when the
// conversation is not (or no longer) qualified.
func (o *TransferOrchestrator) Transfer(ctx context.Context, conversationID string) (*model.Lead, error) {
	log := observability.LoggerFromContext(ctx).With("conversation_id", conversationID)

	conv, err := o.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !o.transferable(conv) {
		log.Debug("conversation not awaiting transfer", "status", conv.Status, "fallback_mode", conv.FallbackMode)
		return nil, nil
	}

	key := lock.TransferKey(conversationID)
	token, ok, err := o.Locker.TryLock(ctx, key, o.lockTTL())
	if err != nil {
		return nil, fmt.Errorf("acquire transfer lock: %w", err)
	}
	if !ok {
		return nil, appErrors.ErrLockHeld
	}
	defer func() {
		if err := o.Locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release transfer lock", "error", err)
		}
	}()

	// the previous holder may have completed the handoff
	conv, err = o.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !o.transferable(conv) {
		return nil, nil
	}

	msgs, err := o.Messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	transcript := BuildTranscript(msgs)

	summary, err := o.Summarizer.Summarize(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	agents, err := o.Agents.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	agent := o.selectAgent(ctx, transcript, summary, agents)
	if agent == nil {
		return nil, errors.New("no available agent")
	}

	notice := RenderTemplate(HandoffTemplate, map[string]string{
		"customer_name":  conv.CustomerName,
		"customer_phone": conv.CustomerPhone,
		"summary":        summary,
	})
	if _, err := o.Relay.Send(ctx, agent.Phone, notice); err != nil {
		return nil, fmt.Errorf("relay handoff notice to agent %s: %w", agent.ID, err)
	}

	lead := &model.Lead{
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		CustomerPhone:  conv.CustomerPhone,
		CustomerName:   conv.CustomerName,
		Summary:        summary,
	}
	if err := o.Handoff.CompleteHandoff(ctx, lead, model.StatusQualifiedForTransfer); err != nil {
		return nil, err
	}

	sys := &model.Message{
		ConversationID: conv.ID,
		SenderRole:     model.RoleSystem,
		Content:        fmt.Sprintf("Conversation transferred to %s", agent.Name),
		ContentType:    "text",
		DeliveryStatus: model.DeliverySent,
		CreatedAt:      o.now(),
	}
	if _, err := o.Messages.Append(ctx, sys); err != nil {
		log.Warn("failed to record handoff message", "error", err)
	}

	log.Info("conversation transferred", "agent_id", agent.ID, "lead_id", lead.ID)
	return lead, nil
}

func (o *TransferOrchestrator) transferable(c *model.Conversation) bool {
	return !c.FallbackMode && c.Status == model.StatusQualifiedForTransfer
}

// selectAgent takes the matcher's choice when it names an available agent
// and falls back to LowestWorkload otherwise.
func (o *TransferOrchestrator) selectAgent(ctx context.Context, transcript, summary string, agents []*model.Agent) *model.Agent {
	log := observability.LoggerFromContext(ctx)

	roster := make([]ai.RosterEntry, 0, len(agents))
	byID := make(map[string]*model.Agent, len(agents))
	for _, a := range agents {
		if !a.Available() {
			continue
		}
		byID[a.ID] = a
		roster = append(roster, ai.RosterEntry{
			ID:                 a.ID,
			Name:               a.Name,
			Profile:            a.Profile,
			CurrentWorkload:    a.CurrentWorkload,
			MaxConcurrentLeads: a.MaxConcurrentLeads,
		})
	}
	if len(roster) == 0 {
		return nil
	}

	resp, err := o.Matcher.Match(ctx, ai.MatchRequest{Transcript: transcript, Summary: summary, Roster: roster})
	switch {
	case err != nil:
		log.Warn("matcher failed, using lowest workload", "error", err)
	case resp.AgentID == "":
		log.Warn("matcher returned no agent, using lowest workload", "rationale", resp.Rationale)
	case byID[resp.AgentID] == nil:
		log.Warn("matcher returned unknown or unavailable agent, using lowest workload", "agent_id", resp.AgentID)
	default:
		log.Debug("matcher selected agent", "agent_id", resp.AgentID, "rationale", resp.Rationale)
		return byID[resp.AgentID]
	}
	return LowestWorkload(agents)
}

// LowestWorkload picks the available agent with the fewest open leads,
// earliest created on a tie.
func LowestWorkload(agents []*model.Agent) *model.Agent {
	var best *model.Agent
	for _, a := range agents {
		if !a.Available() {
			continue
		}
		if best == nil ||
			a.CurrentWorkload < best.CurrentWorkload ||
			(a.CurrentWorkload == best.CurrentWorkload && a.CreatedAt.Before(best.CreatedAt)) {
			best = a
		}
	}
	return best
}

func (o *TransferOrchestrator) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 3
}

func (o *TransferOrchestrator) lockTTL() time.Duration {
	if o.LockTTL > 0 {
		return o.LockTTL
	}
	return 2 * time.Minute
}
