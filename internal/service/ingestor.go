package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/observability"
	"github.com/unclebandit/chatrelay-backend/internal/phone"
	"github.com/unclebandit/chatrelay-backend/internal/repository"
)

type Direction string

const (
	DirectionAgentToCustomer Direction = "agent_to_customer"
	DirectionCustomerToAgent Direction = "customer_to_agent"
	DirectionRelayToAgent    Direction = "relay_to_agent"
	DirectionCustomerToBot   Direction = "customer_to_bot"
)

// InboundEvent is one provider webhook delivery.
type InboundEvent struct {
	Source   string           `json:"source"`
	Messages []InboundMessage `json:"messages"`
}

type InboundMessage struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"`
	Type      string        `json:"type"`
	Body      string        `json:"body"`
	Media     *InboundMedia `json:"media,omitempty"`
	Name      string        `json:"name,omitempty"`
}

type InboundMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

type IngestResult struct {
	Received       int `json:"received"`
	Queued         int `json:"queued"`
	Forwarded      int `json:"forwarded"`
	Administrative int `json:"administrative"`
	Unrouted       int `json:"unrouted"`
	Duplicates     int `json:"duplicates"`
	Errors         int `json:"errors"`
}

// Ingestor turns webhook deliveries into stored messages and batch queue
// entries.
type Ingestor struct {
	Conversations repository.ConversationRepositoryInterface
	Messages      repository.MessageRepositoryInterface
	Batches       repository.BatchQueueRepositoryInterface
	Leads         repository.LeadRepositoryInterface
	Agents        repository.AgentRepositoryInterface
	Audit         repository.AuditRepositoryInterface

	RelayPhone     string
	GroupingWindow time.Duration
	MaxRetries     int
	Now            func() time.Time
}

func (s *Ingestor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Ingest records raw in the audit log and then handles every message of
// event. Only an audit failure is returned; per-message failures are logged
// and counted so one bad message cannot make the provider redeliver the rest.
func (s *Ingestor) Ingest(ctx context.Context, event InboundEvent, raw json.RawMessage) (*IngestResult, error) {
	log := observability.LoggerFromContext(ctx).With("source", event.Source)

	if err := s.Audit.Record(ctx, sourceOrDefault(event.Source), "webhook", raw); err != nil {
		log.Error("failed to persist webhook audit record", "error", err)
		return nil, fmt.Errorf("audit webhook: %w", err)
	}

	result := &IngestResult{Received: len(event.Messages)}
	if len(event.Messages) == 0 {
		return result, nil
	}

	agents, err := s.Agents.ListAll(ctx)
	if err != nil {
		log.Error("failed to load agents", "error", err)
		result.Errors = len(event.Messages)
		return result, nil
	}

	for _, m := range event.Messages {
		if err := s.ingestOne(ctx, m, agents, result); err != nil {
			result.Errors++
			log.Error("failed to ingest message", "provider_message_id", m.ID, "error", err)
		}
	}
	return result, nil
}

func sourceOrDefault(src string) string {
	if src == "" {
		return "provider"
	}
	return src
}

func (s *Ingestor) ingestOne(ctx context.Context, m InboundMessage, agents []*model.Agent, result *IngestResult) error {
	log := observability.LoggerFromContext(ctx).With("provider_message_id", m.ID)

	from := phone.Normalize(m.From)
	to := phone.Normalize(m.To)
	if from == "" {
		log.Warn("inbound message without a usable sender phone", "from", m.From)
		result.Unrouted++
		return nil
	}

	if agent := phone.ResolveAgent(from, agents); agent != nil {
		return s.forwardToLead(ctx, agent, to, model.RoleAgent, m, result)
	}
	if agent := phone.ResolveAgent(to, agents); agent != nil {
		return s.forwardToLead(ctx, agent, from, model.RoleCustomer, m, result)
	}
	if s.RelayPhone != "" && phone.Matches(from, s.RelayPhone) {
		// our own handoff notices echoed back by the provider
		log.Debug("relay message recorded in audit only", "direction", DirectionRelayToAgent, "to", to)
		result.Administrative++
		return nil
	}
	return s.ingestCustomerToBot(ctx, from, m, result)
}

// forwardToLead attaches a message exchanged directly between an agent and a
// customer to the conversation of their open lead.
func (s *Ingestor) forwardToLead(ctx context.Context, agent *model.Agent, customerPhone string, role model.SenderRole, m InboundMessage, result *IngestResult) error {
	direction := DirectionCustomerToAgent
	if role == model.RoleAgent {
		direction = DirectionAgentToCustomer
	}
	log := observability.LoggerFromContext(ctx).With("agent_id", agent.ID, "direction", direction)

	leads, err := s.Leads.ListOpenByAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("list leads for agent %s: %w", agent.ID, err)
	}

	var lead *model.Lead
	for _, l := range leads {
		if phone.Matches(l.CustomerPhone, customerPhone) {
			lead = l
			break
		}
	}
	if lead == nil {
		log.Warn("no lead match for agent conversation", "customer_phone", customerPhone)
		result.Unrouted++
		return nil
	}

	content, ok := messageContent(m)
	if !ok {
		return nil
	}
	msg := s.newMessage(lead.ConversationID, role, content, m)
	inserted, err := s.Messages.Append(ctx, msg)
	if err != nil {
		return fmt.Errorf("append %s message: %w", direction, err)
	}
	if !inserted {
		result.Duplicates++
		return nil
	}
	if err := s.Conversations.Touch(ctx, lead.ConversationID); err != nil {
		log.Warn("failed to bump conversation", "conversation_id", lead.ConversationID, "error", err)
	}
	result.Forwarded++
	return nil
}

func (s *Ingestor) ingestCustomerToBot(ctx context.Context, from string, m InboundMessage, result *IngestResult) error {
	content, ok := messageContent(m)
	if !ok {
		return nil
	}

	conv, created, err := s.Conversations.GetOrCreate(ctx, from, strings.TrimSpace(m.Name))
	if err != nil {
		return fmt.Errorf("get or create conversation: %w", err)
	}
	log := observability.LoggerFromContext(ctx).With("conversation_id", conv.ID)
	if created {
		log.Info("conversation created", "customer_phone", from)
	}

	inserted, err := s.Messages.Append(ctx, s.newMessage(conv.ID, model.RoleCustomer, content, m))
	if err != nil {
		return fmt.Errorf("append customer message: %w", err)
	}
	if !inserted {
		result.Duplicates++
		return nil
	}

	if !conv.AcceptsBatches() {
		log.Debug("conversation not bot-attended, message stored only",
			"status", conv.Status, "fallback_mode", conv.FallbackMode)
		return nil
	}

	item, err := s.Batches.Upsert(ctx, conv.ID, content, s.now().Add(s.GroupingWindow), s.maxRetries())
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	log.Debug("batch updated", "batch_id", item.ID, "contents", len(item.MessagesContent), "scheduled_for", item.ScheduledFor)
	result.Queued++
	return nil
}

func (s *Ingestor) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 3
}

func (s *Ingestor) newMessage(conversationID string, role model.SenderRole, content string, m InboundMessage) *model.Message {
	msg := &model.Message{
		ConversationID: conversationID,
		SenderRole:     role,
		Content:        content,
		ContentType:    contentType(m),
		DeliveryStatus: model.DeliveryReceived,
		CreatedAt:      s.now(),
	}
	if m.ID != "" {
		id := m.ID
		msg.ProviderMessageID = &id
	}
	if m.Media != nil && m.Media.URL != "" {
		u := m.Media.URL
		msg.MediaURL = &u
	}
	return msg
}

func contentType(m InboundMessage) string {
	if t := strings.ToLower(strings.TrimSpace(m.Type)); t != "" {
		return t
	}
	return "text"
}

// messageContent returns the text to store and group. Media without a
// caption becomes a bracketed type marker; an empty text message is dropped.
func messageContent(m InboundMessage) (string, bool) {
	if body := strings.TrimSpace(m.Body); body != "" {
		return body, true
	}
	if t := contentType(m); t != "text" {
		return "[" + t + "]", true
	}
	return "", false
}
