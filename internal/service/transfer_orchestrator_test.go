package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/unclebandit/chatrelay-backend/internal/ai"
	appErrors "github.com/unclebandit/chatrelay-backend/internal/errors"
	"github.com/unclebandit/chatrelay-backend/internal/lock"
	"github.com/unclebandit/chatrelay-backend/internal/model"
	"github.com/unclebandit/chatrelay-backend/internal/service"
)

type transferFixture struct {
	store      *memStore
	relay      *MockRelay
	summarizer *MockSummarizer
	matcher    *MockMatcher
	locker     *lock.MemoryLocker
	orch       *service.TransferOrchestrator
}

func newTransferFixture() *transferFixture {
	store := newStore(newClock())
	f := &transferFixture{
		store:      store,
		relay:      &MockRelay{},
		summarizer: &MockSummarizer{text: "Cliente quer orçamento de telha shingle, 120m²."},
		matcher:    &MockMatcher{resp: &ai.MatchResponse{}},
		locker:     lock.NewMemoryLocker(),
	}
	f.orch = &service.TransferOrchestrator{
		Conversations: MockConversationRepo{store},
		Messages:      MockMessageRepo{store},
		Agents:        MockAgentRepo{store},
		Handoff:       MockHandoffRepo{store},
		Locker:        f.locker,
		Summarizer:    f.summarizer,
		Matcher:       f.matcher,
		Relay:         f.relay,
		BatchSize:     20,
		Concurrency:   3,
		LockTTL:       time.Minute,
		Now:           store.clock.Now,
	}
	return f
}

// qualified adds a conversation ready for handoff with a short history.
func (f *transferFixture) qualified(phone, name string) *model.Conversation {
	conv := f.store.addConversation(phone, model.StatusQualifiedForTransfer)
	f.store.mu.Lock()
	f.store.convs[conv.ID].CustomerName = name
	f.store.mu.Unlock()
	msgs := MockMessageRepo{f.store}
	for _, m := range []struct {
		role    model.SenderRole
		content string
	}{
		{model.RoleCustomer, "quero orçamento"},
		{model.RoleBot, "Qual a área do telhado?"},
		{model.RoleCustomer, "120m², telha shingle"},
	} {
		f.store.clock.Advance(time.Second)
		_, _ = msgs.Append(context.Background(), &model.Message{ConversationID: conv.ID, SenderRole: m.role, Content: m.content})
	}
	conv.CustomerName = name
	return conv
}

func TestTransferHandsOffToMatchedAgent(t *testing.T) {
	f := newTransferFixture()
	base := f.store.clock.Now()
	ana := f.store.addAgent("Ana Souza", "5511911110000", 0, base)
	bruno := f.store.addAgent("Bruno Lima", "5511922220000", 2, base.Add(time.Hour))
	f.matcher.resp = &ai.MatchResponse{AgentID: bruno.ID, Rationale: "especialista em telhados"}
	conv := f.qualified(customerPhone, "Maria")

	lead, err := f.orch.Transfer(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if lead == nil || lead.AgentID != bruno.ID || lead.Summary != f.summarizer.text {
		t.Fatalf("unexpected lead %+v", lead)
	}

	if s := f.store.conversation(conv.ID).Status; s != model.StatusSentToSeller {
		t.Errorf("expected sent_to_seller, got %s", s)
	}
	if w := f.store.agent(bruno.ID).CurrentWorkload; w != 3 {
		t.Errorf("expected workload 3, got %d", w)
	}
	if w := f.store.agent(ana.ID).CurrentWorkload; w != 0 {
		t.Errorf("other agents untouched, got %d", w)
	}

	sent := f.relay.Sent()
	if len(sent) != 1 || sent[0].To != bruno.Phone {
		t.Fatalf("expected notice to the agent, got %+v", sent)
	}
	for _, want := range []string{"Maria", customerPhone, "telha shingle"} {
		if !strings.Contains(sent[0].Content, want) {
			t.Errorf("notice missing %q: %q", want, sent[0].Content)
		}
	}

	if !strings.Contains(f.matcher.req.Transcript, "Customer: 120m², telha shingle") {
		t.Errorf("matcher should receive the transcript, got %q", f.matcher.req.Transcript)
	}
	if len(f.matcher.req.Roster) != 2 {
		t.Errorf("expected full roster, got %d", len(f.matcher.req.Roster))
	}
	if sys := f.store.messagesFor(conv.ID, model.RoleSystem); len(sys) != 1 {
		t.Errorf("expected handoff recorded as a system message, got %d", len(sys))
	}
}

func TestTransferIsIdempotent(t *testing.T) {
	f := newTransferFixture()
	agent := f.store.addAgent("Ana Souza", "5511911110000", 0, f.store.clock.Now())
	conv := f.qualified(customerPhone, "Maria")
	ctx := context.Background()

	if _, err := f.orch.Transfer(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	lead, err := f.orch.Transfer(ctx, conv.ID)
	if err != nil || lead != nil {
		t.Fatalf("second transfer must be a no-op, got %+v, %v", lead, err)
	}

	if n := f.store.leadCount(); n != 1 {
		t.Errorf("expected one lead, got %d", n)
	}
	if w := f.store.agent(agent.ID).CurrentWorkload; w != 1 {
		t.Errorf("workload incremented once, got %d", w)
	}
	if n := len(f.relay.Sent()); n != 1 {
		t.Errorf("expected one notice, got %d", n)
	}
	if f.summarizer.calls != 1 {
		t.Errorf("summarizer called %d times", f.summarizer.calls)
	}
}

func TestTransferMatcherFallback(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *transferFixture, inactive *model.Agent)
	}{
		{"matcher error", func(f *transferFixture, _ *model.Agent) {
			f.matcher.err = appErrors.NewTransient("ai match", errTimeout)
		}},
		{"empty agent id", func(f *transferFixture, _ *model.Agent) {
			f.matcher.resp = &ai.MatchResponse{Rationale: "I think Bruno (agent-2) fits best"}
		}},
		{"unknown agent", func(f *transferFixture, _ *model.Agent) {
			f.matcher.resp = &ai.MatchResponse{AgentID: "agent-999"}
		}},
		{"inactive agent", func(f *transferFixture, inactive *model.Agent) {
			f.matcher.resp = &ai.MatchResponse{AgentID: inactive.ID}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newTransferFixture()
			base := f.store.clock.Now()
			f.store.addAgent("Bruno Lima", "5511922220000", 4, base)
			carla := f.store.addAgent("Carla Mendes", "5511933330000", 1, base.Add(time.Minute))
			f.store.addAgent("Davi Rocha", "5511944440000", 1, base.Add(2*time.Minute))
			inactive := f.store.addAgent("Eva Lopes", "5511955550000", 0, base)
			f.store.mu.Lock()
			f.store.agents[len(f.store.agents)-1].Active = false
			f.store.mu.Unlock()

			c.setup(f, inactive)
			conv := f.qualified(customerPhone, "Maria")

			lead, err := f.orch.Transfer(context.Background(), conv.ID)
			if err != nil {
				t.Fatalf("fallback must not fail the transfer: %v", err)
			}
			if lead.AgentID != carla.ID {
				t.Errorf("expected lowest workload, earliest created agent %s, got %s", carla.ID, lead.AgentID)
			}
		})
	}
}

func TestTransferRelayFailureKeepsConversationQualified(t *testing.T) {
	f := newTransferFixture()
	agent := f.store.addAgent("Ana Souza", "5511911110000", 0, f.store.clock.Now())
	f.relay.errs = []error{appErrors.NewTransient("relay send", errTimeout)}
	conv := f.qualified(customerPhone, "Maria")

	if _, err := f.orch.Transfer(context.Background(), conv.ID); err == nil {
		t.Fatal("expected relay failure to abort the transfer")
	}
	if s := f.store.conversation(conv.ID).Status; s != model.StatusQualifiedForTransfer {
		t.Errorf("conversation must stay qualified, got %s", s)
	}
	if f.store.leadCount() != 0 || f.store.agent(agent.ID).CurrentWorkload != 0 {
		t.Error("nothing may be committed when the notice was not delivered")
	}

	// next sweep succeeds
	if r, err := f.orch.Run(context.Background()); err != nil || r.Transferred != 1 {
		t.Fatalf("expected retry on next sweep, got %+v, %v", r, err)
	}
}

func TestTransferLockContention(t *testing.T) {
	f := newTransferFixture()
	f.store.addAgent("Ana Souza", "5511911110000", 0, f.store.clock.Now())
	conv := f.qualified(customerPhone, "Maria")
	ctx := context.Background()

	if _, ok, _ := f.locker.TryLock(ctx, lock.TransferKey(conv.ID), time.Minute); !ok {
		t.Fatal("could not pre-acquire lock")
	}

	if _, err := f.orch.Transfer(ctx, conv.ID); !errors.Is(err, appErrors.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := f.orch.HandleTrigger(ctx, conv.ID); err != nil {
		t.Errorf("trigger consumer treats contention as done, got %v", err)
	}
	if f.summarizer.calls != 0 {
		t.Error("no work may happen without the lock")
	}
}

func TestTransferRunProcessesAllQualified(t *testing.T) {
	f := newTransferFixture()
	base := f.store.clock.Now()
	f.store.addAgent("Ana Souza", "5511911110000", 0, base)
	f.store.addAgent("Bruno Lima", "5511922220000", 0, base.Add(time.Minute))

	for i := 0; i < 7; i++ {
		f.qualified(fmt.Sprintf("55519000000%02d", i), fmt.Sprintf("Cliente %d", i))
	}
	f.store.addConversation("5551977770000", model.StatusBotAttending)

	r, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Candidates != 7 || r.Transferred != 7 || r.Failed != 0 {
		t.Fatalf("unexpected report %+v", r)
	}
	if n := f.store.leadCount(); n != 7 {
		t.Errorf("expected 7 leads, got %d", n)
	}

	total := 0
	for _, a := range f.store.agents {
		total += a.CurrentWorkload
	}
	if total != 7 {
		t.Errorf("workload must match leads, got %d", total)
	}
}

func TestLowestWorkload(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agents := []*model.Agent{
		{ID: "busy", Active: true, CurrentWorkload: 5, CreatedAt: base},
		{ID: "late", Active: true, CurrentWorkload: 1, CreatedAt: base.Add(time.Hour)},
		{ID: "early", Active: true, CurrentWorkload: 1, CreatedAt: base.Add(time.Minute)},
		{ID: "off", Active: false, CurrentWorkload: 0, CreatedAt: base},
		{ID: "gone", Active: true, Deleted: true, CurrentWorkload: 0, CreatedAt: base},
	}
	if got := service.LowestWorkload(agents); got == nil || got.ID != "early" {
		t.Fatalf("expected early, got %+v", got)
	}
	if got := service.LowestWorkload(agents[3:]); got != nil {
		t.Errorf("expected no available agent, got %s", got.ID)
	}
}
