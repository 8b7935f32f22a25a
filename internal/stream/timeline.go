package stream

import (
	"sort"
	"time"

	"escrowchat/internal/model"
)

// Entry is one row of the conversation timeline: a message or the
// milestone card.
type Entry struct {
	At        time.Time
	Message   *model.Message
	Milestone *model.Milestone
}

// Timeline merges messages and the milestone card into one list ordered
// strictly by timestamp, never by arrival.
func Timeline(messages []model.Message, milestone *model.Milestone) []Entry {
	out := make([]Entry, 0, len(messages)+1)
	for i := range messages {
		m := messages[i]
		out = append(out, Entry{At: m.CreatedAt, Message: &m})
	}
	if milestone != nil {
		at := milestone.CreatedAt
		if at.IsZero() {
			at = milestone.UpdatedAt
		}
		out = append(out, Entry{At: at, Milestone: milestone})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At.Before(out[j].At)
	})
	return out
}
