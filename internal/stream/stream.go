package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	events "escrowchat/contracts/realtime"
	"escrowchat/internal/model"

	"go.uber.org/zap"
)

var ErrNotOpen = errors.New("stream: conversation not open")

// History is the chat collaborator's message history endpoint.
type History interface {
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Emitter sends events on the realtime channel.
type Emitter interface {
	Emit(eventType string, payload any) error
}

// Stream 一个会话的消息列表：首次拉取历史，之后追加推送，按 id 去重
type Stream struct {
	history History
	emitter Emitter
	logger  *zap.Logger

	mu             sync.RWMutex
	conversationID string
	messages       []model.Message
	seen           map[string]struct{}
	peerTyping     bool
	listeners      []func()
}

func New(history History, emitter Emitter, logger *zap.Logger) *Stream {
	return &Stream{
		history: history,
		emitter: emitter,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Open switches the stream to conversationID and loads its history. A failed
// fetch leaves an empty list; it is logged, not returned.
func (s *Stream) Open(ctx context.Context, conversationID string) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.peerTyping = false
	s.mu.Unlock()

	history, err := s.history.Messages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("Failed to load message history, starting empty",
			zap.String("chat_id", conversationID),
			zap.Error(err),
		)
		history = nil
	}

	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		s.logger.Debug("Dropping history for conversation no longer open", zap.String("chat_id", conversationID))
		return
	}
	// 推送可能先于历史到达，两边都按 id 去重
	for _, m := range history {
		s.appendLocked(m)
	}
	s.mu.Unlock()

	s.notify()
}

// Append adds msg if it belongs to conversationID, the open conversation,
// and has not been seen. It reports whether the list changed.
func (s *Stream) Append(conversationID string, msg model.Message) bool {
	s.mu.Lock()
	if conversationID == "" || s.conversationID != conversationID || msg.ConversationID != conversationID {
		s.mu.Unlock()
		return false
	}
	added := s.appendLocked(msg)
	s.mu.Unlock()

	if added {
		s.notify()
	}
	return added
}

func (s *Stream) appendLocked(msg model.Message) bool {
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			return false
		}
		s.seen[msg.ID] = struct{}{}
	}
	s.messages = append(s.messages, msg)
	return true
}

// Messages returns a copy ordered by creation time; equal timestamps keep
// arrival order.
func (s *Stream) Messages() []model.Message {
	s.mu.RLock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Send 通过推送通道发送消息，空白内容直接忽略
func (s *Stream) Send(conversationID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if s.ConversationID() != conversationID {
		return ErrNotOpen
	}
	return s.emitter.Emit(events.EventSendMessage, events.SendMessagePayload{ChatID: conversationID, Content: content})
}

// SetPeerTyping applies an inbound typing event. Events from selfID or for
// another conversation are ignored.
func (s *Stream) SetPeerTyping(conversationID, selfID string, p events.TypingPayload) {
	s.mu.Lock()
	if p.ChatID != conversationID || s.conversationID != conversationID || p.UserID == selfID {
		s.mu.Unlock()
		return
	}
	changed := s.peerTyping != p.IsTyping
	s.peerTyping = p.IsTyping
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Stream) PeerTyping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerTyping
}

func (s *Stream) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Subscribe registers fn to run after every change.
func (s *Stream) Subscribe(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Close detaches the stream; late history and pushes are dropped.
func (s *Stream) Close() {
	s.mu.Lock()
	s.conversationID = ""
	s.listeners = nil
	s.mu.Unlock()
}

func (s *Stream) notify() {
	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// MessageHandler decodes new_message events for conversationID.
func (s *Stream) MessageHandler(conversationID string) func(context.Context, json.RawMessage) error {
	return func(_ context.Context, data json.RawMessage) error {
		var msg events.NewMessagePayload
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode new_message: %w", err)
		}
		s.Append(conversationID, msg)
		return nil
	}
}

// TypingHandler decodes typing events for conversationID.
func (s *Stream) TypingHandler(conversationID, selfID string) func(context.Context, json.RawMessage) error {
	return func(_ context.Context, data json.RawMessage) error {
		var p events.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode typing: %w", err)
		}
		s.SetPeerTyping(conversationID, selfID, p)
		return nil
	}
}
