package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/chatrelay-backend/internal/ai"
	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/model"
)

// --- Clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- In-memory store shared by the mock repositories ---

type memStore struct {
	mu      sync.Mutex
	clock   *fakeClock
	seq     int
	convs   map[string]*model.Conversation
	msgs    []*model.Message
	batches []*model.BatchQueueItem
	leads   []*model.Lead
	agents  []*model.Agent
	audit   []json.RawMessage

	auditErr     error
	saveReplyErr error
}

func newStore(clock *fakeClock) *memStore {
	return &memStore{clock: clock, convs: map[string]*model.Conversation{}}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) addConversation(phone string, status model.ConversationStatus) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	c := &model.Conversation{
		ID:              s.nextID("conv"),
		CustomerPhone:   phone,
		Status:          status,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.convs[c.ID] = c
	cp := *c
	return &cp
}

func (s *memStore) addAgent(name, phone string, workload int, createdAt time.Time) *model.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Agent{
		ID:                 s.nextID("agent"),
		Name:               name,
		Phone:              phone,
		Active:             true,
		CurrentWorkload:    workload,
		MaxConcurrentLeads: 10,
		CreatedAt:          createdAt,
	}
	s.agents = append(s.agents, a)
	cp := *a
	return &cp
}

func (s *memStore) conversation(id string) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.convs[id]
}

func (s *memStore) messagesFor(convID string, role model.SenderRole) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.msgs {
		if m.ConversationID == convID && (role == "" || m.SenderRole == role) {
			out = append(out, *m)
		}
	}
	return out
}

func (s *memStore) batchesFor(convID string) []model.BatchQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BatchQueueItem
	for _, b := range s.batches {
		if b.ConversationID == convID {
			out = append(out, *b)
		}
	}
	return out
}

func (s *memStore) agent(id string) model.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ID == id {
			return *a
		}
	}
	return model.Agent{}
}

func (s *memStore) leadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads)
}

func cloneBatch(b *model.BatchQueueItem) *model.BatchQueueItem {
	cp := *b
	cp.MessagesContent = append([]string(nil), b.MessagesContent...)
	return &cp
}

// --- Conversations ---

type MockConversationRepo struct{ *memStore }

func (r MockConversationRepo) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, appErrors.NewNotFound("conversation", id)
	}
	cp := *c
	return &cp, nil
}

func (r MockConversationRepo) GetByPhone(_ context.Context, phone string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		if c.CustomerPhone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r MockConversationRepo) GetOrCreate(ctx context.Context, phone, name string) (*model.Conversation, bool, error) {
	if c, _ := r.GetByPhone(ctx, phone); c != nil {
		return c, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	c := &model.Conversation{
		ID:              r.nextID("conv"),
		CustomerPhone:   phone,
		CustomerName:    name,
		Status:          model.StatusBotAttending,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.convs[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (r MockConversationRepo) Touch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.UpdatedAt = r.clock.Now()
	}
	return nil
}

func (r MockConversationRepo) UpdateSessionToken(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.ExternalSessionToken = &token
	}
	return nil
}

func (r MockConversationRepo) TransitionStatus(_ context.Context, id string, from, to model.ConversationStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.StatusChangedAt = r.clock.Now()
	return true, nil
}

func (r MockConversationRepo) EnableFallback(_ context.Context, id, operator string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok || c.Status == model.StatusFinished {
		return false, nil
	}
	c.FallbackMode = true
	c.FallbackOwner = &operator
	c.Status = model.StatusSentToSeller
	c.StatusChangedAt = r.clock.Now()
	return true, nil
}

func (r MockConversationRepo) ClearFallback(_ context.Context, id string, resume model.ConversationStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok || !c.FallbackMode || c.Status == model.StatusFinished {
		return false, nil
	}
	c.FallbackMode = false
	c.FallbackOwner = nil
	c.Status = resume
	c.StatusChangedAt = r.clock.Now()
	return true, nil
}

func (r MockConversationRepo) ListByStatus(_ context.Context, status model.ConversationStatus, changedBefore time.Time, limit int) ([]*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Conversation{}
	for _, c := range r.convs {
		if c.Status == status && !c.FallbackMode && !c.StatusChangedAt.After(changedBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StatusChangedAt.Before(out[j].StatusChangedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Messages ---

type MockMessageRepo struct{ *memStore }

func (r MockMessageRepo) Append(_ context.Context, msg *model.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ProviderMessageID != nil {
		for _, m := range r.msgs {
			if m.ProviderMessageID != nil && *m.ProviderMessageID == *msg.ProviderMessageID {
				return false, nil
			}
		}
	}
	if msg.ID == "" {
		msg.ID = r.nextID("msg")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock.Now()
	}
	cp := *msg
	r.msgs = append(r.msgs, &cp)
	return true, nil
}

func (r MockMessageRepo) ListByConversation(_ context.Context, conversationID string) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Message{}
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r MockMessageRepo) HasBotMessageSince(_ context.Context, conversationID string, since time.Time, excludeID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ConversationID == conversationID && m.SenderRole == model.RoleBot &&
			!m.CreatedAt.Before(since) && m.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (r MockMessageRepo) UpdateDeliveryStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID == id {
			m.DeliveryStatus = status
		}
	}
	return nil
}

// --- Batch queue ---

type MockBatchRepo struct{ *memStore }

func (r MockBatchRepo) waiting(conversationID string) *model.BatchQueueItem {
	for _, b := range r.batches {
		if b.ConversationID == conversationID && b.Status == model.BatchWaiting {
			return b
		}
	}
	return nil
}

func (r MockBatchRepo) find(id string) *model.BatchQueueItem {
	for _, b := range r.batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (r MockBatchRepo) Upsert(_ context.Context, conversationID, content string, scheduledFor time.Time, maxRetries int) (*model.BatchQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if b := r.waiting(conversationID); b != nil {
		b.MessagesContent = append(b.MessagesContent, content)
		if scheduledFor.After(b.ScheduledFor) {
			b.ScheduledFor = scheduledFor
		}
		b.UpdatedAt = now
		return cloneBatch(b), nil
	}
	b := &model.BatchQueueItem{
		ID:              r.nextID("batch"),
		ConversationID:  conversationID,
		MessagesContent: []string{content},
		Status:          model.BatchWaiting,
		MaxRetries:      maxRetries,
		ScheduledFor:    scheduledFor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.batches = append(r.batches, b)
	return cloneBatch(b), nil
}

func (r MockBatchRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*model.BatchQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.BatchQueueItem{}
	for _, b := range r.batches {
		if b.Status == model.BatchWaiting && !b.ScheduledFor.After(now) && b.RetryCount < b.MaxRetries {
			out = append(out, cloneBatch(b))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r MockBatchRepo) GetByID(_ context.Context, id string) (*model.BatchQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.find(id); b != nil {
		return cloneBatch(b), nil
	}
	return nil, appErrors.NewNotFound("batch queue item", id)
}

func (r MockBatchRepo) SaveReply(_ context.Context, id string, reply *model.Message, covers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveReplyErr != nil {
		return r.saveReplyErr
	}
	b := r.find(id)
	if b == nil || b.Status != model.BatchWaiting {
		return appErrors.NewNotFound("waiting batch queue item", id)
	}
	if reply.ID == "" {
		reply.ID = r.nextID("msg")
	}
	if covers > len(b.MessagesContent) {
		covers = len(b.MessagesContent)
	}
	b.ReplyContent = reply.Content
	b.ReplyMessageID = &reply.ID
	b.ReplyCovers = covers
	cp := *reply
	r.msgs = append(r.msgs, &cp)
	return nil
}

func (r MockBatchRepo) ClaimRelay(_ context.Context, id string, now, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.find(id)
	if b == nil || b.Status != model.BatchWaiting {
		return false, nil
	}
	if b.RelayingUntil != nil && b.RelayingUntil.After(now) {
		return false, nil
	}
	b.RelayingUntil = &until
	return true, nil
}

func (r MockBatchRepo) MarkSent(_ context.Context, id string, answered int, regroupAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.find(id)
	if b == nil || b.Status != model.BatchWaiting {
		return appErrors.NewNotFound("waiting batch queue item", id)
	}
	if answered > len(b.MessagesContent) {
		answered = len(b.MessagesContent)
	}
	surplus := append([]string(nil), b.MessagesContent[answered:]...)
	now := r.clock.Now()
	b.MessagesContent = b.MessagesContent[:answered]
	b.Status = model.BatchSent
	b.ProcessedAt = &now
	b.LastError = ""

	if len(surplus) > 0 {
		r.batches = append(r.batches, &model.BatchQueueItem{
			ID:              r.nextID("batch"),
			ConversationID:  b.ConversationID,
			MessagesContent: surplus,
			Status:          model.BatchWaiting,
			MaxRetries:      b.MaxRetries,
			ScheduledFor:    regroupAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return nil
}

func (r MockBatchRepo) close(id string, status model.BatchStatus, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.find(id); b != nil && b.Status == model.BatchWaiting {
		now := r.clock.Now()
		b.Status = status
		b.LastError = reason
		b.ProcessedAt = &now
	}
}

func (r MockBatchRepo) MarkSkipped(_ context.Context, id, reason string) error {
	r.close(id, model.BatchSkipped, reason)
	return nil
}

func (r MockBatchRepo) MarkFailed(_ context.Context, id, lastError string) error {
	r.close(id, model.BatchFailed, lastError)
	return nil
}

func (r MockBatchRepo) RecordFailure(_ context.Context, id, lastError string, retryAt time.Time) (*model.BatchQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.find(id)
	if b == nil || b.Status != model.BatchWaiting {
		return nil, appErrors.NewNotFound("waiting batch queue item", id)
	}
	b.RetryCount++
	b.LastError = lastError
	b.ScheduledFor = retryAt
	b.RelayingUntil = nil
	if b.RetryCount >= b.MaxRetries {
		now := r.clock.Now()
		b.Status = model.BatchFailed
		b.ProcessedAt = &now
	}
	return cloneBatch(b), nil
}

func (r MockBatchRepo) SkipWaitingForConversation(_ context.Context, conversationID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, b := range r.batches {
		if b.ConversationID == conversationID && b.Status == model.BatchWaiting {
			b.Status = model.BatchSkipped
			b.LastError = reason
			n++
		}
	}
	return n, nil
}

// --- Leads, agents, audit, handoff ---

type MockLeadRepo struct{ *memStore }

func (r MockLeadRepo) ListOpenByAgent(_ context.Context, agentID string) ([]*model.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Lead{}
	for i := len(r.leads) - 1; i >= 0; i-- {
		l := r.leads[i]
		if l.AgentID == agentID && l.Status == model.LeadAttending {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r MockLeadRepo) GetByConversation(_ context.Context, conversationID string) (*model.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.ConversationID == conversationID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

type MockAgentRepo struct{ *memStore }

func (r MockAgentRepo) GetByID(_ context.Context, id string) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("agent", id)
}

func (r MockAgentRepo) ListAll(_ context.Context) ([]*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Agent{}
	for _, a := range r.agents {
		if !a.Deleted {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type MockAuditRepo struct{ *memStore }

func (r MockAuditRepo) Record(_ context.Context, _, _ string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auditErr != nil {
		return r.auditErr
	}
	r.audit = append(r.audit, payload)
	return nil
}

type MockHandoffRepo struct{ *memStore }

func (r MockHandoffRepo) CompleteHandoff(_ context.Context, lead *model.Lead, from model.ConversationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[lead.ConversationID]
	if !ok || c.Status != from {
		return appErrors.ErrAlreadyTransferred
	}
	var agent *model.Agent
	for _, a := range r.agents {
		if a.ID == lead.AgentID && !a.Deleted {
			agent = a
		}
	}
	if agent == nil {
		return appErrors.NewNotFound("agent", lead.AgentID)
	}

	now := r.clock.Now()
	c.Status = model.StatusSentToSeller
	c.StatusChangedAt = now
	lead.ID = r.nextID("lead")
	lead.Status = model.LeadAttending
	lead.CreatedAt, lead.UpdatedAt = now, now
	cp := *lead
	r.leads = append(r.leads, &cp)
	agent.CurrentWorkload++
	return nil
}

// --- External collaborators ---

type MockResponder struct {
	mu      sync.Mutex
	queries []string
	errs    []error
	answer  string

	// when set, Chat signals entered and then waits for release
	entered chan struct{}
	release chan struct{}
}

func (m *MockResponder) Chat(_ context.Context, query, _ string) (*ai.ChatResponse, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	answer := m.answer
	if answer == "" {
		answer = "Olá! Como posso ajudar?"
	}
	return &ai.ChatResponse{Answer: answer, SessionToken: "sess-1"}, nil
}

func (m *MockResponder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

type sentMessage struct {
	To      string
	Content string
}

type MockRelay struct {
	mu   sync.Mutex
	sent []sentMessage
	errs []error

	// when set, Send signals entered and then waits for release
	entered chan struct{}
	release chan struct{}
}

func (m *MockRelay) Send(_ context.Context, to, content string) (string, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	m.sent = append(m.sent, sentMessage{To: to, Content: content})
	return fmt.Sprintf("wamid-%d", len(m.sent)), nil
}

func (m *MockRelay) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type MockSummarizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (m *MockSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

type MockMatcher struct {
	mu   sync.Mutex
	resp *ai.MatchResponse
	err  error
	req  ai.MatchRequest
}

func (m *MockMatcher) Match(_ context.Context, req ai.MatchRequest) (*ai.MatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

var errTimeout = errors.New("i/o timeout")
