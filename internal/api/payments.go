package api

import (
	"context"
	"net/http"
	"net/url"

	"escrowchat/internal/model"
)

type captureRequest struct {
	OrderID string `json:"orderId"`
}

// milestoneEnvelope tolerates both a bare milestone and {"milestone": {...}}.
type milestoneEnvelope struct {
	model.Milestone
	Wrapped *model.Milestone `json:"milestone"`
}

func (e *milestoneEnvelope) unwrap() *model.Milestone {
	if e.Wrapped != nil {
		return e.Wrapped
	}
	m := e.Milestone
	return &m
}

// CreateOrder POST /payments/milestones/:id/create-order
func (c *Client) CreateOrder(ctx context.Context, milestoneID string) (*model.PaymentOrder, error) {
	var out model.PaymentOrder
	err := c.do(ctx, request{
		collab: CollabPayment,
		op:     "payment.create_order",
		method: http.MethodPost,
		path:   "/payments/milestones/" + url.PathEscape(milestoneID) + "/create-order",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Capture POST /payments/milestones/:id/capture，确认网关扣款并返回最新里程碑
func (c *Client) Capture(ctx context.Context, milestoneID, orderID string) (*model.Milestone, error) {
	var out milestoneEnvelope
	err := c.do(ctx, request{
		collab: CollabPayment,
		op:     "payment.capture",
		method: http.MethodPost,
		path:   "/payments/milestones/" + url.PathEscape(milestoneID) + "/capture",
		body:   captureRequest{OrderID: orderID},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.unwrap(), nil
}

// Release POST /payments/milestones/:id/confirm，买方放款给卖方
func (c *Client) Release(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	var out milestoneEnvelope
	err := c.do(ctx, request{
		collab: CollabPayment,
		op:     "payment.release",
		method: http.MethodPost,
		path:   "/payments/milestones/" + url.PathEscape(milestoneID) + "/confirm",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.unwrap(), nil
}
