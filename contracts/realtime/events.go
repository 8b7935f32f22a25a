package realtime

import "escrowchat/internal/model"

// 推送通道事件类型
const (
	EventNewMessage       = "new_message"
	EventTyping           = "typing"
	EventMilestoneUpdated = "milestone_updated"
	EventMilestoneCreated = "milestone_created"

	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
)

// JoinChatPayload 订阅某个会话的推送
type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

// SendMessagePayload 发送消息
type SendMessagePayload struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// TypingPayload 输入状态，收发同构；UserID 仅由服务端填写
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// MilestonePayload milestone_updated / milestone_created 的 payload
type MilestonePayload struct {
	ChatID    string           `json:"chatId"`
	Milestone *model.Milestone `json:"milestone"`
}

// new_message 的 payload 就是 model.Message
type NewMessagePayload = model.Message
