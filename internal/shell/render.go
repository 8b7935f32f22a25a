package shell

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"escrowchat/internal/milestone"
	"escrowchat/internal/model"
	"escrowchat/internal/payment"
	"escrowchat/internal/session"
	"escrowchat/internal/stream"
	"escrowchat/pkg/util"
)

const timeLayout = "01-02 15:04"

// 提示文案
const (
	msgTryAgain       = "Something went wrong. Please try again."
	msgContactSupport = "We couldn't finalize the transaction. If money was taken from your account, please contact support."
	msgSignIn         = "Your session has expired. Please sign in again."
)

var phaseLabels = map[model.Phase]string{
	model.PhasePending:         "Waiting for agreement",
	model.PhaseAwaitingFunding: "Agreed, waiting for buyer to fund escrow",
	model.PhaseFunded:          "Funded, work in progress",
	model.PhaseAwaitingPayout:  "Work delivered, waiting for buyer to release payment",
	model.PhaseSettled:         "Paid to seller",
	model.PhaseUnknown:         "Unknown status",
}

var actionCommands = map[milestone.Action]string{
	milestone.ActionAgree:         "/agree",
	milestone.ActionFund:          "/fund",
	milestone.ActionMarkCompleted: "/complete",
	milestone.ActionRelease:       "/release",
}

// Renderer 纯文本渲染
type Renderer struct {
	w io.Writer
}

func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

func (r *Renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.w, format, args...)
}

func (r *Renderer) Conversations(list []model.Conversation, self string) {
	if len(list) == 0 {
		r.printf("No conversations yet.\n")
		return
	}
	for _, c := range list {
		name := "(unknown)"
		if u, ok := c.Counterpart(self); ok {
			name = u.DisplayName()
		}
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		r.printf("  %s  %-20s %s\n", c.ID, name, last)
	}
}

// Panel is the participant panel: who the user is talking to.
func (r *Renderer) Panel(peer model.User, online bool) {
	status := "offline"
	if online {
		status = "live"
	}
	r.printf("== %s", peer.DisplayName())
	if peer.Handle != "" {
		r.printf(" (@%s)", peer.Handle)
	}
	r.printf(" [%s]\n", status)
	if peer.Email != "" {
		r.printf("   %s\n", peer.Email)
	}
}

func (r *Renderer) Message(m model.Message, self string) {
	who := m.Sender.DisplayName()
	if m.Sender.ID == self {
		who = "you"
	}
	r.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(timeLayout), who, m.Content)
}

func (r *Renderer) Timeline(entries []stream.Entry, view milestone.View, hasView bool, self string) {
	if len(entries) == 0 {
		r.printf("(no messages)\n")
	}
	for _, e := range entries {
		if e.Message != nil {
			r.Message(*e.Message, self)
			continue
		}
		if e.Milestone != nil && hasView {
			r.Card(view)
		}
	}
}

// Card renders the milestone card with the actions open to the user.
func (r *Renderer) Card(v milestone.View) {
	m := v.Milestone
	r.printf("+-- Milestone: %s\n", m.Title)
	if m.Description != "" {
		r.printf("|   %s\n", m.Description)
	}
	r.printf("|   Price: $%s", m.Price.StringFixed(2))
	if !m.DueDate.IsZero() {
		r.printf("   Due: %s (%d days left)", m.DueDate.Local().Format("2006-01-02"), v.TimeLeft)
	}
	r.printf("\n|   %s\n", phaseLabels[v.Phase])
	r.printf("|   You are the %s\n", role(v))
	if len(v.Actions) > 0 {
		cmds := make([]string, 0, len(v.Actions))
		for _, a := range v.Actions {
			cmds = append(cmds, actionCommands[a])
		}
		r.printf("|   Available: %s\n", strings.Join(cmds, " "))
	}
	r.printf("+--\n")
}

func role(v milestone.View) string {
	switch {
	case v.IsSeller:
		return "seller"
	case v.IsBuyer:
		return "buyer"
	default:
		return "observer"
	}
}

func (r *Renderer) NoMilestone() {
	r.printf("No active milestone. Propose one with /create.\n")
}

func (r *Renderer) PeerTyping(name string, typing bool) {
	if typing {
		r.printf("... %s is typing\n", name)
	}
}

func (r *Renderer) PaymentResult(res payment.Result) {
	switch res.Status {
	case payment.StatusProcessing:
		r.printf("Processing payment...\n")
	case payment.StatusSuccess:
		r.printf("Payment: %s\n", res.Message)
	case payment.StatusFailed:
		r.printf("Payment failed: %s\n", res.Message)
	}
}

func (r *Renderer) Redirect(url string) {
	r.printf("Open this link to fund escrow:\n  %s\n", url)
}

// Error 把错误映射为用户可执行的提示；moneyMoved 标记可能已扣款的操作
func (r *Renderer) Error(err error, moneyMoved bool) {
	switch {
	case errors.Is(err, milestone.ErrActionNotAllowed):
		r.printf("That action isn't available to you right now.\n")
		return
	case errors.Is(err, milestone.ErrNoActiveMilestone):
		r.printf("There is no active milestone.\n")
		return
	case errors.Is(err, milestone.ErrInvalidDraft):
		r.printf("Invalid milestone: %v\n", err)
		return
	case errors.Is(err, milestone.ErrStale):
		return
	case errors.Is(err, session.ErrUnauthenticated):
		r.printf("%s\n", msgSignIn)
		return
	}
	switch util.UserAction(err, moneyMoved) {
	case util.ActionSignIn:
		r.printf("%s\n", msgSignIn)
	case util.ActionContactSupport:
		r.printf("%s\n", msgContactSupport)
	default:
		r.printf("%s\n", msgTryAgain)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
