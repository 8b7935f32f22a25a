package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 里程碑生命周期，服务端权威
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Milestone 合同/托管单元
type Milestone struct {
	ID             string          `json:"_id"`
	ConversationID string          `json:"chat"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	DueDate        time.Time       `json:"dueDate"`
	CreatedBy      UserRef         `json:"createdBy"`
	Seller         UserRef         `json:"seller"`
	Buyer          UserRef         `json:"buyer"`
	Status         Status          `json:"status"`
	BuyerPaid      bool            `json:"buyerPaid"`
	PaidToSeller   bool            `json:"paidToSeller"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Phase is the flattened lifecycle position of a milestone, splitting
// in_progress by funding and completed by payout.
type Phase string

const (
	PhaseNone            Phase = "none"
	PhasePending         Phase = "pending"
	PhaseAwaitingFunding Phase = "awaiting_funding"
	PhaseFunded          Phase = "funded"
	PhaseAwaitingPayout  Phase = "awaiting_payout"
	PhaseSettled         Phase = "settled"
	PhaseUnknown         Phase = "unknown"
)

func (m *Milestone) Phase() Phase {
	if m == nil {
		return PhaseNone
	}
	switch m.Status {
	case StatusPending:
		return PhasePending
	case StatusInProgress:
		if m.BuyerPaid {
			return PhaseFunded
		}
		return PhaseAwaitingFunding
	case StatusCompleted:
		if m.PaidToSeller {
			return PhaseSettled
		}
		return PhaseAwaitingPayout
	}
	return PhaseUnknown
}

// Terminal reports whether the milestone can no longer change.
func (m *Milestone) Terminal() bool {
	return m.Phase() == PhaseSettled
}

// SellerID is the explicit seller when present, otherwise the creator.
func (m *Milestone) SellerID() string {
	if m.Seller.ID != "" {
		return m.Seller.ID
	}
	return m.CreatedBy.ID
}

// Clone returns a copy so callers never alias reconciler state.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// MilestoneDraft 创建里程碑的请求体
type MilestoneDraft struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	DueDate     time.Time       `json:"dueDate"`
}

// PaymentOrder is the hosted-checkout hand-off returned by createOrder.
type PaymentOrder struct {
	RedirectURL string `json:"redirectUrl"`
	OrderID     string `json:"orderId,omitempty"`
}
