package stream

import (
	"sync"
	"time"

	events "escrowchat/contracts/realtime"

	"go.uber.org/zap"
)

// TypingIdle is how long the local user must be idle before "stopped typing".
const TypingIdle = 800 * time.Millisecond

// Typer announces the local user's typing state with a single-shot idle
// timer that is cancelled and rescheduled on every keystroke.
type Typer struct {
	emitter        Emitter
	conversationID string
	idle           time.Duration
	logger         *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64 // 每次重新计时或 Stop 递增，过期回调据此作废
}

func NewTyper(emitter Emitter, conversationID string, logger *zap.Logger) *Typer {
	return &Typer{
		emitter:        emitter,
		conversationID: conversationID,
		idle:           TypingIdle,
		logger:         logger,
	}
}

// Keystroke emits isTyping=true and restarts the idle timer.
func (t *Typer) Keystroke() {
	t.emit(true)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.schedule()
}

// schedule replaces the idle timer. Callers hold t.mu.
func (t *Typer) schedule() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		t.emit(false)
	})
}

// Stop cancels a pending "stopped typing" announcement without sending it.
func (t *Typer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Typer) emit(typing bool) {
	err := t.emitter.Emit(events.EventTyping, events.TypingPayload{ChatID: t.conversationID, IsTyping: typing})
	if err != nil {
		t.logger.Debug("Typing signal not sent", zap.Bool("is_typing", typing), zap.Error(err))
	}
}
