package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Event 推送通道上的通用信封
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent 把 payload 序列化进信封
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type: eventType,
		Data: data,
	}, nil
}

type HandlerFunc func(ctx context.Context, data json.RawMessage) error

// Router 按事件类型分发，一个类型可以挂多个 handler，按注册顺序执行
type Router struct {
	mu     sync.RWMutex
	routes map[string][]HandlerFunc
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		routes: make(map[string][]HandlerFunc),
		logger: logger,
	}
}

func (r *Router) Register(eventType string, h HandlerFunc) {
	r.mu.Lock()
	r.routes[eventType] = append(r.routes[eventType], h)
	r.mu.Unlock()
}

// Handle runs every handler for evt.Type. Handler errors and panics are
// logged and never stop the read loop.
func (r *Router) Handle(ctx context.Context, evt Event) {
	r.mu.RLock()
	handlers := r.routes[evt.Type]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("No handler for event", zap.String("type", evt.Type))
		return
	}

	for _, h := range handlers {
		r.invoke(ctx, evt, h)
	}
}

func (r *Router) invoke(ctx context.Context, evt Event, h HandlerFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event handler panic recovered",
				zap.String("type", evt.Type),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := h(ctx, evt.Data); err != nil {
		r.logger.Warn("Event handler error", zap.String("type", evt.Type), zap.Error(err))
	}
}
