// Package process implements the processing side of the pipeline: merging a
// staged batch into one user turn, running the assistant, sending the reply,
// and committing the conversation.
package process

import (
	"sort"
	"strings"
	"time"

	"github.com/hrygo/repliesengine/channel"
)

// MergedBatch is one batch of fragments collapsed into a single user turn.
type MergedBatch struct {
	Content     string    // non-empty bodies joined with newlines
	MessageSids []string  // every fragment in the batch, including empty bodies
	ReceivedAt  time.Time // latest fragment timestamp
}

// Merge orders fragments by receipt time, tie-broken by message sid so the
// ordering is deterministic across processors, and joins them into one turn.
func Merge(frags []*channel.InboundFragment) *MergedBatch {
	sorted := make([]*channel.InboundFragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ReceivedAt.Equal(sorted[j].ReceivedAt) {
			return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
		}
		return sorted[i].MessageSid < sorted[j].MessageSid
	})

	batch := &MergedBatch{MessageSids: make([]string, 0, len(sorted))}
	var bodies []string
	for _, f := range sorted {
		batch.MessageSids = append(batch.MessageSids, f.MessageSid)
		if f.Body != "" {
			bodies = append(bodies, f.Body)
		}
		if f.ReceivedAt.After(batch.ReceivedAt) {
			batch.ReceivedAt = f.ReceivedAt
		}
	}
	batch.Content = strings.Join(bodies, "\n")
	return batch
}
