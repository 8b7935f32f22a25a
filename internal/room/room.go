package room

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	events "escrowchat/contracts/realtime"
	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/internal/payment"
	"escrowchat/internal/realtime"
	"escrowchat/internal/session"
	"escrowchat/internal/stream"
	"escrowchat/pkg/config"

	"go.uber.org/zap"
)

var ErrNotParticipant = errors.New("room: user is not a participant of this conversation")

// Client is every REST collaborator a room talks to.
type Client interface {
	stream.History
	milestone.Backend
	milestone.Payments
}

// Identity is the session the room was entered with.
type Identity interface {
	Current() (model.User, error)
	Token() string
}

type Deps struct {
	API      Client
	Session  Identity
	Realtime config.RealtimeConfig
	Resolver milestone.Resolver
	Guard    payment.Guard
	Logger   *zap.Logger
}

// Room 一个打开的会话：持有一条推送连接、一个消息流和一个对账器。
// Enter 获取，Close 释放；任何退出路径都应 defer Close
type Room struct {
	ID           string
	User         model.User
	Conversation *model.Conversation

	Stream     *stream.Stream
	Milestones *milestone.Reconciler
	Payments   *payment.Handler

	channel *realtime.Channel
	typer   *stream.Typer
	logger  *zap.Logger

	online    atomic.Bool
	everUp    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Enter opens conversationID for the signed-in user. A realtime connection
// failure is not fatal: the room works from pulled state and the channel
// keeps retrying.
func Enter(ctx context.Context, d Deps, conversationID string) (*Room, error) {
	user, err := d.Session.Current()
	if err != nil {
		return nil, err
	}
	conv, err := d.API.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	if len(conv.Participants) > 0 && !isParticipant(conv, user.ID) {
		return nil, ErrNotParticipant
	}

	log := d.Logger.With(zap.String("chat_id", conversationID))
	ch := realtime.NewChannel(d.Realtime, d.Session.Token(), log)

	rctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		ID:           conversationID,
		User:         user,
		Conversation: conv,
		channel:      ch,
		logger:       log,
		ctx:          rctx,
		cancel:       cancel,
	}
	r.Stream = stream.New(d.API, ch, log)
	r.Milestones = milestone.NewReconciler(d.API, d.API, ch, d.Resolver, log)
	r.Payments = payment.NewHandler(r.Milestones, d.Guard, log)
	r.typer = stream.NewTyper(ch, conversationID, log)

	ch.On(events.EventNewMessage, r.Stream.MessageHandler(conversationID))
	ch.On(events.EventTyping, r.Stream.TypingHandler(conversationID, user.ID))
	ch.On(events.EventMilestoneUpdated, r.Milestones.EventHandler(conversationID))
	ch.On(events.EventMilestoneCreated, r.Milestones.EventHandler(conversationID))
	ch.OnStateChange(r.connectionChanged)

	// 先订阅再拉取：推送和拉取都按 id 去重/整体替换，先后无关
	if err := ch.Connect(ctx); err != nil {
		// 之后首次连上也算重连，需要补拉
		r.everUp.Store(true)
		log.Warn("Realtime channel unavailable, continuing without live updates", zap.Error(err))
	}
	// 断线时只记下范围，连上后自动加入
	if err := ch.Join(conversationID); err != nil && !errors.Is(err, realtime.ErrDisconnected) {
		log.Warn("Join conversation failed", zap.Error(err))
	}

	r.Stream.Open(ctx, conversationID)
	if err := r.Milestones.Open(ctx, conversationID); err != nil {
		log.Warn("Milestone state unavailable", zap.Error(err))
	}

	log.Info("Conversation opened",
		zap.String("user_id", user.ID),
		zap.Bool("realtime", ch.Connected()),
	)
	return r, nil
}

func isParticipant(conv *model.Conversation, userID string) bool {
	for _, p := range conv.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// connectionChanged 重连后补拉一次里程碑，断线期间的推送可能丢失
func (r *Room) connectionChanged(up bool) {
	r.online.Store(up)
	if !up {
		r.logger.Info("Realtime channel offline")
		return
	}
	if !r.everUp.Swap(true) {
		return
	}
	r.logger.Info("Realtime channel back online, refreshing milestone")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
		defer cancel()
		if err := r.Milestones.Refresh(ctx, r.ID); err != nil && !errors.Is(err, milestone.ErrStale) {
			r.logger.Warn("Milestone refresh after reconnect failed", zap.Error(err))
		}
	}()
}

// Online reports whether live updates are flowing.
func (r *Room) Online() bool {
	return r.online.Load()
}

// Counterpart is the other participant, for the participant panel.
func (r *Room) Counterpart() (model.User, bool) {
	return r.Conversation.Counterpart(r.User.ID)
}

func (r *Room) Send(content string) error {
	r.typer.Stop()
	return r.Stream.Send(r.ID, content)
}

func (r *Room) Keystroke() {
	r.typer.Keystroke()
}

// View is the reconciled milestone view for the room's user.
func (r *Room) View() (milestone.View, bool) {
	return r.Milestones.View(r.User)
}

func (r *Room) Timeline() []stream.Entry {
	m, _ := r.Milestones.Current()
	return stream.Timeline(r.Stream.Messages(), m)
}

func (r *Room) Create(ctx context.Context, draft model.MilestoneDraft) (*model.Milestone, error) {
	return r.Milestones.Create(ctx, r.ID, draft)
}

func (r *Room) Agree(ctx context.Context) (string, error) {
	return r.Milestones.Agree(ctx, r.ID, r.User)
}

func (r *Room) Fund(ctx context.Context) (string, error) {
	return r.Milestones.Fund(ctx, r.ID, r.User)
}

func (r *Room) MarkCompleted(ctx context.Context) (*model.Milestone, error) {
	return r.Milestones.MarkCompleted(ctx, r.ID, r.User)
}

func (r *Room) Release(ctx context.Context) (*model.Milestone, error) {
	return r.Milestones.Release(ctx, r.ID, r.User)
}

func (r *Room) Refresh(ctx context.Context) error {
	return r.Milestones.Refresh(ctx, r.ID)
}

// HandlePaymentReturn feeds a gateway return URL to this room's handler.
func (r *Room) HandlePaymentReturn(ctx context.Context, u *url.URL) payment.Result {
	return r.Payments.Handle(ctx, r.ID, u)
}

// owns reports whether a correlation id names this conversation or one of
// its milestones.
func (r *Room) owns(correlationID string) bool {
	if correlationID == r.ID {
		return true
	}
	_, ok := r.Milestones.Find(r.ID, correlationID)
	return ok
}

// Subscribe runs fn after any stream or milestone change.
func (r *Room) Subscribe(fn func()) {
	r.Stream.Subscribe(fn)
	r.Milestones.Subscribe(fn)
}

// Close 释放连接和订阅，可重复调用
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.typer.Stop()
		r.cancel()
		if err := r.channel.Close(); err != nil {
			r.logger.Warn("Realtime channel close failed", zap.Error(err))
		}
		r.Stream.Close()
		r.Milestones.Close()
		r.wg.Wait()
		r.logger.Info("Conversation closed")
	})
}

// Manager 保证同一时间只有一个打开的会话，切换时先释放旧的
type Manager struct {
	deps Deps

	mu      sync.Mutex
	current *Room
}

func NewManager(d Deps) *Manager {
	return &Manager{deps: d}
}

// Open closes the current room, if any, and enters conversationID.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Room, error) {
	m.release()
	r, err := Enter(ctx, m.deps, conversationID)
	if err != nil {
		return nil, err
	}
	m.swap(r)
	return r, nil
}

func (m *Manager) swap(r *Room) {
	m.mu.Lock()
	prev := m.current
	m.current = r
	m.mu.Unlock()
	if prev != nil && prev != r {
		prev.Close()
	}
}

func (m *Manager) Current() (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// HandlePaymentReturn routes a return URL to the conversation it belongs
// to. The gateway's correlation id is either a milestone of the open room
// or a conversation id; in the latter case that conversation is entered
// first, so a return works from a cold start. ok is false only when no
// conversation can be found for it.
func (m *Manager) HandlePaymentReturn(ctx context.Context, u *url.URL) (payment.Result, bool) {
	params, isReturn := payment.ParseReturn(u.Query())
	r, open := m.Current()
	if !isReturn {
		if open {
			return r.HandlePaymentReturn(ctx, u), true
		}
		return payment.Result{Status: payment.StatusNone}, true
	}

	id := params.CorrelationID
	if id == "" || (open && r.owns(id)) {
		if !open {
			return payment.Result{}, false
		}
		return r.HandlePaymentReturn(ctx, u), true
	}

	// 新会话进入成功后才替换，失败不影响当前会话
	next, err := Enter(ctx, m.deps, id)
	if err != nil {
		m.deps.Logger.Warn("Payment return names no reachable conversation",
			zap.String("correlation_id", id),
			zap.Error(err),
		)
		return payment.Unmatched(), true
	}
	m.swap(next)
	return next.HandlePaymentReturn(ctx, u), true
}

// Close releases the open room, if any.
func (m *Manager) Close() {
	m.release()
}

// release 在锁外关闭，避免监听回调里再取 Current 时死锁
func (m *Manager) release() {
	m.mu.Lock()
	r := m.current
	m.current = nil
	m.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

var _ Identity = (*session.Resolver)(nil)
