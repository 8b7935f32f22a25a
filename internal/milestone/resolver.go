package milestone

import (
	"fmt"

	"escrowchat/internal/model"
)

// Resolver picks the active milestone for a conversation. Implementations
// are pure functions of server-returned data.
type Resolver interface {
	Name() string
	// NeedsConversation reports whether Active reads the conversation record.
	NeedsConversation() bool
	Active(conv *model.Conversation, list []model.Milestone) (*model.Milestone, error)
}

// ResolverByName returns the strategy configured as "pointer" or "predicate".
func ResolverByName(name string) (Resolver, error) {
	switch name {
	case "", "pointer":
		return ByPointer{}, nil
	case "predicate":
		return ByPredicate{}, nil
	}
	return nil, fmt.Errorf("unknown milestone strategy %q", name)
}

// ByPointer follows the conversation's activeMilestone id.
type ByPointer struct{}

func (ByPointer) Name() string            { return "pointer" }
func (ByPointer) NeedsConversation() bool { return true }

func (ByPointer) Active(conv *model.Conversation, list []model.Milestone) (*model.Milestone, error) {
	if conv == nil || conv.ActiveMilestone == "" {
		return nil, nil
	}
	for i := range list {
		if list[i].ID == conv.ActiveMilestone {
			return list[i].Clone(), nil
		}
	}
	// 指针指向列表外的里程碑：按无活跃处理，不猜测
	return nil, nil
}

// ByPredicate selects the one milestone that is in progress and not yet paid
// out to the seller.
type ByPredicate struct{}

func (ByPredicate) Name() string            { return "predicate" }
func (ByPredicate) NeedsConversation() bool { return false }

func (ByPredicate) Active(_ *model.Conversation, list []model.Milestone) (*model.Milestone, error) {
	var found *model.Milestone
	for i := range list {
		m := &list[i]
		if m.Status != model.StatusInProgress || m.PaidToSeller {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s and %s", ErrAmbiguous, found.ID, m.ID)
		}
		found = m
	}
	return found.Clone(), nil
}
