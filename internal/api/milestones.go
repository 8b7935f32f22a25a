package api

import (
	"context"
	"net/http"
	"net/url"

	"escrowchat/internal/model"
)

// Milestones GET /milestones/:chatId
func (c *Client) Milestones(ctx context.Context, conversationID string) ([]model.Milestone, error) {
	var out []model.Milestone
	err := c.do(ctx, request{
		collab:     CollabMilestone,
		op:         "milestone.list",
		method:     http.MethodGet,
		path:       "/milestones/" + url.PathEscape(conversationID),
		idempotent: true,
	}, &out)
	return out, err
}

// CreateMilestone POST /milestones/:chatId/new
func (c *Client) CreateMilestone(ctx context.Context, conversationID string, draft model.MilestoneDraft) (*model.Milestone, error) {
	var out model.Milestone
	err := c.do(ctx, request{
		collab: CollabMilestone,
		op:     "milestone.create",
		method: http.MethodPost,
		path:   "/milestones/" + url.PathEscape(conversationID) + "/new",
		body:   draft,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AgreeMilestone POST /milestones/:id/agree
func (c *Client) AgreeMilestone(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	var out model.Milestone
	err := c.do(ctx, request{
		collab: CollabMilestone,
		op:     "milestone.agree",
		method: http.MethodPost,
		path:   "/milestones/" + url.PathEscape(milestoneID) + "/agree",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkCompleted PATCH /milestones/:id/complete
func (c *Client) MarkCompleted(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	var out model.Milestone
	err := c.do(ctx, request{
		collab: CollabMilestone,
		op:     "milestone.complete",
		method: http.MethodPatch,
		path:   "/milestones/" + url.PathEscape(milestoneID) + "/complete",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
