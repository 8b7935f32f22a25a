package api

import (
	"context"
	"net/http"

	"escrowchat/internal/model"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges email/password for a bearer credential. It does not
// install the token; the session resolver does that.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp loginResponse
	err := c.do(ctx, request{
		collab: CollabAuth,
		op:     "auth.login",
		method: http.MethodPost,
		path:   "/auth/login",
		body:   loginRequest{Email: email, Password: password},
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Me GET /auth/me
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	err := c.do(ctx, request{
		collab:     CollabAuth,
		op:         "auth.me",
		method:     http.MethodGet,
		path:       "/auth/me",
		idempotent: true,
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
