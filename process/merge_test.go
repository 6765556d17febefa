package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/repliesengine/channel"
)

func frag(sid, body string, at time.Time) *channel.InboundFragment {
	return &channel.InboundFragment{
		Channel:    channel.ChannelWhatsApp,
		From:       "+15551230001",
		To:         "+15559990000",
		Body:       body,
		MessageSid: sid,
		ReceivedAt: at,
	}
}

func TestMergeOrdersByReceivedAt(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	batch := Merge([]*channel.InboundFragment{
		frag("SM0003", "third", base.Add(2*time.Second)),
		frag("SM0001", "first", base),
		frag("SM0002", "second", base.Add(time.Second)),
	})

	require.Equal(t, "first\nsecond\nthird", batch.Content)
	require.Equal(t, []string{"SM0001", "SM0002", "SM0003"}, batch.MessageSids)
	require.Equal(t, base.Add(2*time.Second), batch.ReceivedAt)
}

func TestMergeTieBreaksOnMessageSid(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	batch := Merge([]*channel.InboundFragment{
		frag("SM0002", "b", at),
		frag("SM0001", "a", at),
	})
	require.Equal(t, "a\nb", batch.Content)
	require.Equal(t, []string{"SM0001", "SM0002"}, batch.MessageSids)
}

func TestMergeSkipsEmptyBodies(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	batch := Merge([]*channel.InboundFragment{
		frag("SM0001", "hello", base),
		frag("SM0002", "", base.Add(time.Second)), // media-only
		frag("SM0003", "world", base.Add(2*time.Second)),
	})

	require.Equal(t, "hello\nworld", batch.Content)
	// Empty fragments still count toward the drained sids.
	require.Equal(t, []string{"SM0001", "SM0002", "SM0003"}, batch.MessageSids)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	frags := []*channel.InboundFragment{
		frag("SM0002", "b", base.Add(time.Second)),
		frag("SM0001", "a", base),
	}
	Merge(frags)
	require.Equal(t, "SM0002", frags[0].MessageSid)
}
