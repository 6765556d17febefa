package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/repliesengine/metrics"
)

func testQueue(t *testing.T, visibility time.Duration, maxReceive int) (*metrics.Metrics, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	m := metrics.New()
	return m, New(rdb, "replies-whatsapp", visibility, maxReceive, m, slog.New(slog.DiscardHandler))
}

func TestEnqueueReceiveDelete(t *testing.T) {
	_, q := testQueue(t, time.Minute, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, `{"conversation_id":"conv-1"}`, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Equal(t, `{"conversation_id":"conv-1"}`, msgs[0].Body)
	require.Equal(t, 1, msgs[0].ReceiveCount)

	require.NoError(t, q.Delete(ctx, msgs[0].ReceiptHandle))

	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDelayHidesMessage(t *testing.T) {
	_, q := testQueue(t, time.Minute, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "body", 10*time.Second)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "delayed message must stay hidden")

	// miniredis clocks do not drive the zset scores; scores use wall time, so
	// re-enqueue with zero delay to assert the visible path instead.
	_, err = q.Enqueue(ctx, "visible", 0)
	require.NoError(t, err)
	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "visible", msgs[0].Body)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	_, q := testQueue(t, 50*time.Millisecond, 5)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "body", 0)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// In flight: invisible to other consumers.
	msgs2, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs2)

	// After the window lapses without a Delete it comes back with a bumped
	// receive count.
	time.Sleep(60 * time.Millisecond)
	msgs2, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	require.Equal(t, 2, msgs2[0].ReceiveCount)
}

func TestExtendVisibility(t *testing.T) {
	_, q := testQueue(t, 50*time.Millisecond, 5)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "body", 0)
	require.NoError(t, err)
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ExtendVisibility(ctx, msgs[0].ReceiptHandle, time.Minute))

	// Original window elapsed, but the extension holds the message.
	time.Sleep(60 * time.Millisecond)
	msgs2, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs2)

	require.ErrorIs(t, q.ExtendVisibility(ctx, "no-such-handle", time.Minute), ErrMessageNotFound)
}

func TestDeadLetterAfterMaxReceives(t *testing.T) {
	m, q := testQueue(t, time.Millisecond, 2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "poison", 0)
	require.NoError(t, err)

	// Burn through the allowed deliveries without deleting.
	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		time.Sleep(5 * time.Millisecond)
	}

	// The next claim crosses the ceiling and dead-letters instead.
	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"poison"}, dead)
	require.Equal(t, 1.0, deadLetterCount(t, m), "dead-letter counter records the drop")

	// Gone from the schedule entirely.
	time.Sleep(5 * time.Millisecond)
	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func deadLetterCount(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "replies_process_dead_letters_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestReceiveLongPollHonorsContext(t *testing.T) {
	_, q := testQueue(t, time.Minute, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 10, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTriggerRoundTrip(t *testing.T) {
	trig := &Trigger{
		TriggerID:      "trig-1",
		ConversationID: "conv-1",
		PrimaryChannel: "+15551230001",
		Channel:        "whatsapp",
	}
	body, err := trig.Encode()
	require.NoError(t, err)

	got, err := DecodeTrigger(body)
	require.NoError(t, err)
	require.Equal(t, trig, got)

	_, err = DecodeTrigger("not json")
	require.Error(t, err)
}
