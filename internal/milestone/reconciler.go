package milestone

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	events "escrowchat/contracts/realtime"
	"escrowchat/internal/model"
	"escrowchat/pkg/metrics"

	"go.uber.org/zap"
)

// 对账来源
const (
	sourcePull    = "pull"
	sourcePush    = "push"
	sourceCapture = "capture"
	sourceAction  = "action"
)

// Backend is the milestone collaborator plus the conversation lookup the
// pointer strategy needs.
type Backend interface {
	Conversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	Milestones(ctx context.Context, conversationID string) ([]model.Milestone, error)
	CreateMilestone(ctx context.Context, conversationID string, draft model.MilestoneDraft) (*model.Milestone, error)
	AgreeMilestone(ctx context.Context, milestoneID string) (*model.Milestone, error)
	MarkCompleted(ctx context.Context, milestoneID string) (*model.Milestone, error)
}

// Payments is the payment collaborator.
type Payments interface {
	CreateOrder(ctx context.Context, milestoneID string) (*model.PaymentOrder, error)
	Capture(ctx context.Context, milestoneID, orderID string) (*model.Milestone, error)
	Release(ctx context.Context, milestoneID string) (*model.Milestone, error)
}

// Publisher broadcasts on the realtime channel.
type Publisher interface {
	Emit(eventType string, payload any) error
}

// Reconciler owns the single active milestone of the open conversation. Pull
// responses, push events and capture results all replace it wholesale; no
// field is ever merged.
type Reconciler struct {
	backend   Backend
	payments  Payments
	publisher Publisher
	resolver  Resolver
	logger    *zap.Logger
	now       func() time.Time

	mu             sync.RWMutex
	conversationID string
	current        *model.Milestone
	list           []model.Milestone
	listeners      []func()
}

func NewReconciler(backend Backend, payments Payments, publisher Publisher, resolver Resolver, logger *zap.Logger) *Reconciler {
	if resolver == nil {
		resolver = ByPointer{}
	}
	return &Reconciler{
		backend:   backend,
		payments:  payments,
		publisher: publisher,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
	}
}

// Open scopes the reconciler to conversationID and pulls its active
// milestone. On fetch failure local state degrades to "no active milestone"
// and the error is returned for logging only.
func (r *Reconciler) Open(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	r.conversationID = conversationID
	r.current = nil
	r.list = nil
	r.mu.Unlock()

	return r.Refresh(ctx, conversationID)
}

// Refresh re-pulls the milestone list and re-resolves the active one.
func (r *Reconciler) Refresh(ctx context.Context, conversationID string) error {
	if !r.inScope(conversationID) {
		return ErrStale
	}

	active, list, err := r.pull(ctx, conversationID)

	r.mu.Lock()
	if r.conversationID != conversationID {
		r.mu.Unlock()
		metrics.IncReconcileDropped(sourcePull, "stale")
		return ErrStale
	}
	if err != nil {
		r.current = nil
		r.list = nil
		r.mu.Unlock()
		r.logger.Warn("Milestone pull failed, showing no active milestone",
			zap.String("chat_id", conversationID),
			zap.Error(err),
		)
		r.notify()
		return err
	}
	r.current = active
	r.list = list
	r.mu.Unlock()

	metrics.IncReconcileApplied(sourcePull)
	r.logger.Debug("Milestone state pulled",
		zap.String("chat_id", conversationID),
		zap.String("strategy", r.resolver.Name()),
		zap.Bool("has_active", active != nil),
		zap.Int("milestones", len(list)),
	)
	r.notify()
	return nil
}

func (r *Reconciler) pull(ctx context.Context, conversationID string) (*model.Milestone, []model.Milestone, error) {
	var conv *model.Conversation
	if r.resolver.NeedsConversation() {
		c, err := r.backend.Conversation(ctx, conversationID)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch conversation: %w", err)
		}
		conv = c
	}
	list, err := r.backend.Milestones(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch milestones: %w", err)
	}
	active, err := r.resolver.Active(conv, list)
	if err != nil {
		return nil, nil, err
	}
	return active, list, nil
}

// Replace installs m as server-confirmed state for conversationID. It
// reports whether the active milestone changed.
func (r *Reconciler) Replace(conversationID string, m *model.Milestone) bool {
	return r.apply(sourcePush, conversationID, m)
}

// apply 整体替换；跨会话或过期的写入直接丢弃
func (r *Reconciler) apply(source, conversationID string, m *model.Milestone) bool {
	if m == nil || m.ID == "" {
		return false
	}
	if m.ConversationID != "" && m.ConversationID != conversationID {
		metrics.IncReconcileDropped(source, "foreign_conversation")
		return false
	}

	r.mu.Lock()
	if conversationID == "" || r.conversationID != conversationID {
		r.mu.Unlock()
		metrics.IncReconcileDropped(source, "out_of_scope")
		return false
	}

	incoming := m.Clone()
	r.upsertLocked(*incoming)

	// 同一 id 直接覆盖；不同 id 只在没有进行中的活跃里程碑时接管，
	// 保证任何时刻最多一个可操作的里程碑
	replace := r.current == nil ||
		r.current.ID == incoming.ID ||
		r.current.Terminal()
	if replace {
		r.current = incoming
	}
	r.mu.Unlock()

	if replace {
		metrics.IncReconcileApplied(source)
	} else {
		r.logger.Debug("Milestone update kept in list only, another milestone is active",
			zap.String("chat_id", conversationID),
			zap.String("active_id", r.activeID()),
			zap.String("milestone_id", incoming.ID),
		)
	}
	r.notify()
	return replace
}

func (r *Reconciler) activeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return ""
	}
	return r.current.ID
}

func (r *Reconciler) upsertLocked(m model.Milestone) {
	for i := range r.list {
		if r.list[i].ID == m.ID {
			r.list[i] = m
			return
		}
	}
	r.list = append(r.list, m)
}

// ApplyEvent handles milestone_updated / milestone_created for
// conversationID. Events scoped to other conversations are dropped.
func (r *Reconciler) ApplyEvent(conversationID string, p events.MilestonePayload) bool {
	if p.ChatID != conversationID {
		metrics.IncReconcileDropped(sourcePush, "foreign_conversation")
		return false
	}
	return r.apply(sourcePush, conversationID, p.Milestone)
}

// EventHandler decodes push events for conversationID.
func (r *Reconciler) EventHandler(conversationID string) func(context.Context, json.RawMessage) error {
	return func(_ context.Context, data json.RawMessage) error {
		var p events.MilestonePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode milestone event: %w", err)
		}
		r.ApplyEvent(conversationID, p)
		return nil
	}
}

// Current returns a copy of the active milestone.
func (r *Reconciler) Current() (*model.Milestone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, false
	}
	return r.current.Clone(), true
}

// Milestones returns every milestone known for the open conversation.
func (r *Reconciler) Milestones() []model.Milestone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Milestone, len(r.list))
	copy(out, r.list)
	return out
}

// View derives the presentation view of the active milestone for user.
func (r *Reconciler) View(user model.User) (View, bool) {
	m, ok := r.Current()
	if !ok {
		return View{}, false
	}
	return NewView(m, user, r.now())
}

// Find looks a milestone up by id in the open conversation's list.
func (r *Reconciler) Find(conversationID, milestoneID string) (*model.Milestone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conversationID != conversationID {
		return nil, false
	}
	for i := range r.list {
		if r.list[i].ID == milestoneID {
			return r.list[i].Clone(), true
		}
	}
	return nil, false
}

// Create proposes a new milestone. The proposer becomes its creator.
func (r *Reconciler) Create(ctx context.Context, conversationID string, draft model.MilestoneDraft) (*model.Milestone, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	switch {
	case draft.Title == "":
		return nil, fmt.Errorf("%w: title is required", ErrInvalidDraft)
	case !draft.Price.IsPositive():
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidDraft)
	case draft.DueDate.IsZero():
		return nil, fmt.Errorf("%w: due date is required", ErrInvalidDraft)
	}
	if !r.inScope(conversationID) {
		return nil, ErrStale
	}

	created, err := r.backend.CreateMilestone(ctx, conversationID, draft)
	if err != nil {
		return nil, &ActionError{Action: "create", Err: err}
	}
	if !r.inScope(conversationID) {
		return created, ErrStale
	}
	if created.ConversationID == "" {
		created.ConversationID = conversationID
	}
	r.apply(sourceAction, conversationID, created)
	r.broadcast(events.EventMilestoneCreated, conversationID, created)
	return created, nil
}

// Agree accepts a pending milestone proposed by the other party, then asks
// the payment collaborator for a hosted-checkout order. The returned URL is
// where the buyer funds escrow. If the order can't be created the agreement
// still stands and Fund can be retried.
func (r *Reconciler) Agree(ctx context.Context, conversationID string, user model.User) (string, error) {
	m, err := r.actionable(conversationID, user, ActionAgree)
	if err != nil {
		return "", err
	}

	updated, err := r.backend.AgreeMilestone(ctx, m.ID)
	if err != nil {
		return "", &ActionError{Action: ActionAgree, Err: err}
	}
	if err := r.confirm(conversationID, updated); err != nil {
		return "", err
	}

	return r.createOrder(ctx, conversationID, updated.ID)
}

// Fund re-requests a checkout order for an unfunded in-progress milestone.
func (r *Reconciler) Fund(ctx context.Context, conversationID string, user model.User) (string, error) {
	m, err := r.actionable(conversationID, user, ActionFund)
	if err != nil {
		return "", err
	}
	return r.createOrder(ctx, conversationID, m.ID)
}

func (r *Reconciler) createOrder(ctx context.Context, conversationID, milestoneID string) (string, error) {
	order, err := r.payments.CreateOrder(ctx, milestoneID)
	if err != nil {
		return "", &ActionError{Action: ActionFund, Err: err}
	}
	if order == nil || order.RedirectURL == "" {
		return "", &ActionError{Action: ActionFund, Err: fmt.Errorf("payment order has no redirect url")}
	}
	if !r.inScope(conversationID) {
		return "", ErrStale
	}
	r.logger.Info("Payment order created",
		zap.String("chat_id", conversationID),
		zap.String("milestone_id", milestoneID),
		zap.String("order_id", order.OrderID),
	)
	return order.RedirectURL, nil
}

// Capture confirms escrow funding with the payment collaborator. Missing
// ids make it a no-op. On success the server's milestone replaces local
// state and is broadcast so the counterpart updates without a refresh.
func (r *Reconciler) Capture(ctx context.Context, conversationID, milestoneID, orderID string) (*model.Milestone, error) {
	if milestoneID == "" || orderID == "" {
		return nil, ErrNothingToCapture
	}
	if !r.inScope(conversationID) {
		return nil, ErrStale
	}

	updated, err := r.payments.Capture(ctx, milestoneID, orderID)
	if err != nil {
		return nil, &ActionError{Action: "capture", Err: err}
	}
	if updated == nil || updated.ID == "" {
		return nil, &ActionError{Action: "capture", Err: fmt.Errorf("capture returned no milestone")}
	}
	if !r.inScope(conversationID) {
		metrics.IncReconcileDropped(sourceCapture, "stale")
		return updated.Clone(), ErrStale
	}
	r.apply(sourceCapture, conversationID, updated)
	r.broadcast(events.EventMilestoneUpdated, conversationID, updated)
	return updated.Clone(), nil
}

// MarkCompleted is the seller's hand-in once escrow is funded.
func (r *Reconciler) MarkCompleted(ctx context.Context, conversationID string, user model.User) (*model.Milestone, error) {
	m, err := r.actionable(conversationID, user, ActionMarkCompleted)
	if err != nil {
		return nil, err
	}
	updated, err := r.backend.MarkCompleted(ctx, m.ID)
	if err != nil {
		return nil, &ActionError{Action: ActionMarkCompleted, Err: err}
	}
	if err := r.confirm(conversationID, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Release is the buyer's payout of escrow to the seller; it is terminal.
func (r *Reconciler) Release(ctx context.Context, conversationID string, user model.User) (*model.Milestone, error) {
	m, err := r.actionable(conversationID, user, ActionRelease)
	if err != nil {
		return nil, err
	}
	updated, err := r.payments.Release(ctx, m.ID)
	if err != nil {
		return nil, &ActionError{Action: ActionRelease, Err: err}
	}
	if err := r.confirm(conversationID, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// actionable checks scope, presence and role before any network call.
func (r *Reconciler) actionable(conversationID string, user model.User, a Action) (*model.Milestone, error) {
	if !r.inScope(conversationID) {
		return nil, ErrStale
	}
	m, ok := r.Current()
	if !ok {
		return nil, ErrNoActiveMilestone
	}
	v, _ := NewView(m, user, r.now())
	if !v.Can(a) {
		return nil, fmt.Errorf("%w: %s while %s", ErrActionNotAllowed, a, v.Phase)
	}
	return m, nil
}

// confirm applies a successful mutation result and broadcasts it.
func (r *Reconciler) confirm(conversationID string, updated *model.Milestone) error {
	if updated == nil || updated.ID == "" {
		return fmt.Errorf("server returned no milestone")
	}
	if !r.inScope(conversationID) {
		metrics.IncReconcileDropped(sourceAction, "stale")
		return ErrStale
	}
	r.apply(sourceAction, conversationID, updated)
	r.broadcast(events.EventMilestoneUpdated, conversationID, updated)
	return nil
}

func (r *Reconciler) broadcast(eventType, conversationID string, m *model.Milestone) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.Emit(eventType, events.MilestonePayload{ChatID: conversationID, Milestone: m})
	if err != nil {
		// 对方会在下次拉取时看到，不影响本地状态
		r.logger.Warn("Milestone broadcast failed",
			zap.String("event", eventType),
			zap.String("milestone_id", m.ID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) inScope(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return conversationID != "" && r.conversationID == conversationID
}

// ConversationID returns the open conversation, empty after Close.
func (r *Reconciler) ConversationID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conversationID
}

// Subscribe registers fn to run after every state change.
func (r *Reconciler) Subscribe(fn func()) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Close unscopes the reconciler; every late response is dropped as stale.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.conversationID = ""
	r.current = nil
	r.list = nil
	r.listeners = nil
	r.mu.Unlock()
}

func (r *Reconciler) notify() {
	r.mu.RLock()
	listeners := append([]func(){}, r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}
