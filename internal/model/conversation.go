package model

import "time"

// Conversation 两人会话，仅由服务端创建
type Conversation struct {
	ID              string    `json:"_id"`
	Participants    []UserRef `json:"participants"`
	ActiveMilestone string    `json:"activeMilestone,omitempty"`
	LastMessage     *Message  `json:"lastMessage,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Counterpart returns the participant that is not userID.
func (c Conversation) Counterpart(userID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != "" && p.ID != userID {
			return p.User, true
		}
	}
	return User{}, false
}

// Message 会话中的一条消息，只追加不修改
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"chat"`
	Sender         UserRef   `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
