package payment

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/pkg/metrics"

	"go.uber.org/zap"
)

// guardScope is the deduper namespace for capture tokens.
const guardScope = "capture"

// Status 回跳处理的三态结果；StatusNone 表示 URL 不是支付回跳
type Status string

const (
	StatusNone       Status = ""
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// 面向用户的提示
const (
	msgNotCompleted = "Payment was not completed. You can try again from the milestone card."
	msgNoMatch      = "We couldn't match this payment to a milestone. If money was taken from your account, please contact support."
	msgCaptureFail  = "We couldn't finalize the transaction. If money was taken from your account, please contact support."
	msgSecured      = "Payment secured. Funds are held in escrow."
	msgAlreadyDone  = "This payment was already processed."
)

// Guard is a one-shot gate keyed by order token, persisted for the session.
type Guard interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
}

// Capturer is the part of the reconciler the return handler drives.
type Capturer interface {
	Capture(ctx context.Context, conversationID, milestoneID, orderID string) (*model.Milestone, error)
	Refresh(ctx context.Context, conversationID string) error
	Find(conversationID, milestoneID string) (*model.Milestone, bool)
	Current() (*model.Milestone, bool)
}

// Result of handling one return URL.
type Result struct {
	Status         Status
	Milestone      *model.Milestone
	Message        string
	ContactSupport bool
	Duplicate      bool
	// CleanURL is set on success: the address without the return markers.
	CleanURL string
}

// Handler turns a gateway return URL into at most one capture per order
// token. Re-handling the same URL returns the first result.
type Handler struct {
	capturer Capturer
	guard    Guard
	logger   *zap.Logger

	mu      sync.Mutex
	results map[string]Result
}

func NewHandler(capturer Capturer, guard Guard, logger *zap.Logger) *Handler {
	return &Handler{
		capturer: capturer,
		guard:    guard,
		logger:   logger,
		results:  make(map[string]Result),
	}
}

// Handle processes u for the open conversation conversationID.
func (h *Handler) Handle(ctx context.Context, conversationID string, u *url.URL) Result {
	params, ok := ParseReturn(u.Query())
	if !ok {
		return Result{Status: StatusNone}
	}
	log := h.logger.With(
		zap.String("chat_id", conversationID),
		zap.String("order_token", params.OrderToken),
		zap.String("correlation_id", params.CorrelationID),
	)

	if !params.Succeeded() {
		log.Info("Payment return without success marker", zap.String("payment", params.Payment))
		metrics.IncPaymentReturn("failed")
		return Result{Status: StatusFailed, Message: msgNotCompleted}
	}

	// 同一页面内重复触发：返回首次结果（可能仍在处理中）
	h.mu.Lock()
	if prev, seen := h.results[params.OrderToken]; seen {
		h.mu.Unlock()
		return prev
	}
	h.results[params.OrderToken] = Result{Status: StatusProcessing}
	h.mu.Unlock()

	res := h.handle(ctx, conversationID, u, params, log)

	h.mu.Lock()
	h.results[params.OrderToken] = res
	h.mu.Unlock()
	return res
}

func (h *Handler) handle(ctx context.Context, conversationID string, u *url.URL, p ReturnParams, log *zap.Logger) Result {
	target, ok := h.resolve(conversationID, p.CorrelationID)
	if !ok {
		log.Warn("Payment return does not match any milestone of the conversation")
		return Unmatched()
	}

	if !h.guard.AcquireOnce(ctx, guardScope, p.OrderToken) {
		return h.duplicate(ctx, conversationID, u, target.ID, log)
	}

	updated, err := h.capturer.Capture(ctx, conversationID, target.ID, p.OrderToken)
	switch {
	case err == nil:
		log.Info("Escrow funding captured",
			zap.String("milestone_id", updated.ID),
			zap.Bool("buyer_paid", updated.BuyerPaid),
		)
		metrics.IncPaymentReturn("success")
		return Result{
			Status:    StatusSuccess,
			Milestone: updated,
			Message:   msgSecured,
			CleanURL:  CleanURL(u).String(),
		}
	case errors.Is(err, milestone.ErrNothingToCapture):
		metrics.IncPaymentReturn("ignored")
		return Result{Status: StatusFailed, Message: msgNoMatch, ContactSupport: true}
	default:
		// 结果不明确：不自动重试，令牌保持占用
		log.Error("Capture failed", zap.String("milestone_id", target.ID), zap.Error(err))
		metrics.IncPaymentReturn("failed")
		return Result{Status: StatusFailed, Message: msgCaptureFail, ContactSupport: true}
	}
}

// Unmatched is the result for a return that names no known milestone.
func Unmatched() Result {
	metrics.IncPaymentReturn("failed")
	return Result{Status: StatusFailed, Message: msgNoMatch, ContactSupport: true}
}

// resolve maps the correlation id onto a milestone of the conversation: a
// milestone id from the list, or the conversation id itself meaning its
// active milestone.
func (h *Handler) resolve(conversationID, correlationID string) (*model.Milestone, bool) {
	if m, ok := h.capturer.Find(conversationID, correlationID); ok {
		return m, true
	}
	if correlationID == conversationID {
		return h.capturer.Current()
	}
	return nil, false
}

// duplicate handles a token already consumed by an earlier page load: it
// never re-captures, it re-reads server state instead.
func (h *Handler) duplicate(ctx context.Context, conversationID string, u *url.URL, milestoneID string, log *zap.Logger) Result {
	metrics.IncPaymentReturn("duplicate")
	if err := h.capturer.Refresh(ctx, conversationID); err != nil {
		log.Warn("Refresh after duplicate return failed", zap.Error(err))
	}
	m, ok := h.capturer.Find(conversationID, milestoneID)
	if ok && m.BuyerPaid {
		return Result{
			Status:    StatusSuccess,
			Milestone: m,
			Message:   msgAlreadyDone,
			Duplicate: true,
			CleanURL:  CleanURL(u).String(),
		}
	}
	log.Warn("Order token already used but milestone is not funded")
	return Result{Status: StatusFailed, Message: msgCaptureFail, ContactSupport: true, Duplicate: true}
}
