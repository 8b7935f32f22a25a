package milestone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrowchat/internal/model"

	"github.com/shopspring/decimal"
)

var errBackend = errors.New("backend unavailable")

// fakeBackend 模拟里程碑/支付后端，状态转换按服务端规则执行
type fakeBackend struct {
	mu         sync.Mutex
	conv       model.Conversation
	milestones map[string]*model.Milestone
	seq        int

	failAgree    bool
	failList     bool
	failCapture  bool
	captureCalls int
	calls        []string
}

func newFakeBackend(convID string, participants ...string) *fakeBackend {
	conv := model.Conversation{ID: convID}
	for _, p := range participants {
		conv.Participants = append(conv.Participants, model.UserRef{User: model.User{ID: p}})
	}
	return &fakeBackend{conv: conv, milestones: make(map[string]*model.Milestone)}
}

func (b *fakeBackend) record(op string) {
	b.calls = append(b.calls, op)
}

func (b *fakeBackend) put(m model.Milestone) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.milestones[m.ID] = m.Clone()
	b.conv.ActiveMilestone = m.ID
}

func (b *fakeBackend) Conversation(_ context.Context, id string) (*model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.conv
	return &c, nil
}

func (b *fakeBackend) Milestones(_ context.Context, id string) ([]model.Milestone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("list")
	if b.failList {
		return nil, errBackend
	}
	var out []model.Milestone
	for _, m := range b.milestones {
		if m.ConversationID == id {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (b *fakeBackend) CreateMilestone(_ context.Context, convID string, d model.MilestoneDraft) (*model.Milestone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create")
	b.seq++
	m := &model.Milestone{
		ID:             fmt.Sprintf("m%d", b.seq),
		ConversationID: convID,
		Title:          d.Title,
		Price:          d.Price,
		DueDate:        d.DueDate,
		CreatedBy:      model.UserRef{User: model.User{ID: "seller"}},
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
	}
	b.milestones[m.ID] = m
	b.conv.ActiveMilestone = m.ID
	return m.Clone(), nil
}

func (b *fakeBackend) mutate(op, id string, fail bool, fn func(m *model.Milestone)) (*model.Milestone, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(op)
	if fail {
		return nil, errBackend
	}
	m, ok := b.milestones[id]
	if !ok {
		return nil, errors.New("not found")
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return m.Clone(), nil
}

func (b *fakeBackend) AgreeMilestone(_ context.Context, id string) (*model.Milestone, error) {
	return b.mutate("agree", id, b.failAgree, func(m *model.Milestone) { m.Status = model.StatusInProgress })
}

func (b *fakeBackend) MarkCompleted(_ context.Context, id string) (*model.Milestone, error) {
	return b.mutate("complete", id, false, func(m *model.Milestone) { m.Status = model.StatusCompleted })
}

func (b *fakeBackend) CreateOrder(_ context.Context, id string) (*model.PaymentOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("create_order")
	return &model.PaymentOrder{RedirectURL: "https://pay.example/checkout?token=ord-" + id, OrderID: "ord-" + id}, nil
}

func (b *fakeBackend) Capture(_ context.Context, id, orderID string) (*model.Milestone, error) {
	b.mu.Lock()
	b.captureCalls++
	b.mu.Unlock()
	return b.mutate("capture", id, b.failCapture, func(m *model.Milestone) { m.BuyerPaid = true })
}

func (b *fakeBackend) Release(_ context.Context, id string) (*model.Milestone, error) {
	return b.mutate("release", id, false, func(m *model.Milestone) { m.PaidToSeller = true })
}

type emitted struct {
	eventType string
	payload   any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []emitted
}

func (p *fakePublisher) Emit(eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, emitted{eventType, payload})
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.eventType
	}
	return out
}

func pendingMilestone(id, convID, creator string) model.Milestone {
	return model.Milestone{
		ID:             id,
		ConversationID: convID,
		Title:          "Logo design",
		Price:          decimal.NewFromInt(100),
		DueDate:        time.Now().Add(5 * 24 * time.Hour),
		CreatedBy:      model.UserRef{User: model.User{ID: creator}},
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
	}
}
