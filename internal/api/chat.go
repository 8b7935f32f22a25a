package api

import (
	"context"
	"net/http"
	"net/url"

	"escrowchat/internal/model"
)

// Conversations GET /chat/my
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := c.do(ctx, request{
		collab:     CollabChat,
		op:         "chat.list",
		method:     http.MethodGet,
		path:       "/chat/my",
		idempotent: true,
	}, &out)
	return out, err
}

// Conversation GET /chat/:id
func (c *Client) Conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, request{
		collab:     CollabChat,
		op:         "chat.get",
		method:     http.MethodGet,
		path:       "/chat/" + url.PathEscape(conversationID),
		idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

// Messages GET /chat/:id/messages，按创建时间升序
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out messagesResponse
	err := c.do(ctx, request{
		collab:     CollabChat,
		op:         "chat.messages",
		method:     http.MethodGet,
		path:       "/chat/" + url.PathEscape(conversationID) + "/messages",
		idempotent: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}
