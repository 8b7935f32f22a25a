package milestone

import (
	"time"

	"escrowchat/internal/model"
)

const day = 24 * time.Hour

// Action 当前用户可以对里程碑执行的操作
type Action string

const (
	ActionAgree         Action = "agree"
	ActionFund          Action = "fund"
	ActionMarkCompleted Action = "mark_completed"
	ActionRelease       Action = "release"
)

// View is the reconciled, presentation-only view of a milestone. It is
// rebuilt from (milestone, user, now) on every change and never sent back.
type View struct {
	Milestone model.Milestone
	Phase     model.Phase
	TimeLeft  int
	IsCreator bool
	IsSeller  bool
	IsBuyer   bool
	Actions   []Action
}

// TimeLeft returns max(0, ceil((due - now) / 1 day)).
func TimeLeft(due, now time.Time) int {
	if due.IsZero() {
		return 0
	}
	d := due.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// NewView derives the view for user. ok is false when m is nil.
func NewView(m *model.Milestone, user model.User, now time.Time) (View, bool) {
	if m == nil {
		return View{}, false
	}
	v := View{
		Milestone: *m,
		Phase:     m.Phase(),
		TimeLeft:  TimeLeft(m.DueDate, now),
	}
	if user.ID != "" {
		v.IsCreator = m.CreatedBy.ID == user.ID
		v.IsSeller = m.SellerID() == user.ID
		if m.Buyer.ID != "" {
			v.IsBuyer = m.Buyer.ID == user.ID
		} else {
			v.IsBuyer = !v.IsSeller
		}
	}
	v.Actions = allowedActions(v, user)
	return v, true
}

func allowedActions(v View, user model.User) []Action {
	if user.ID == "" {
		return nil
	}
	switch v.Phase {
	case model.PhasePending:
		if !v.IsCreator {
			return []Action{ActionAgree}
		}
	case model.PhaseAwaitingFunding:
		if v.IsBuyer {
			return []Action{ActionFund}
		}
	case model.PhaseFunded:
		if v.IsSeller {
			return []Action{ActionMarkCompleted}
		}
	case model.PhaseAwaitingPayout:
		if v.IsBuyer {
			return []Action{ActionRelease}
		}
	}
	return nil
}

// Can reports whether a is available in this view.
func (v View) Can(a Action) bool {
	for _, x := range v.Actions {
		if x == a {
			return true
		}
	}
	return false
}
