package selector

import "github.com/fyrsmithlabs/turnd/internal/session"

// FeedbackFor returns the review written for the previous reply: the entry
// whose MessageIndex is exactly messageCount-1. Older entries are never
// returned, even when they are the most recent ones.
func FeedbackFor(log []session.SupervisionEntry, messageCount int) (*session.SupervisionEntry, bool) {
	want := messageCount - 1
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].MessageIndex == want {
			e := log[i]
			return &e, true
		}
	}
	return nil, false
}
