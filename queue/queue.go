// Package queue implements a delayed delivery queue on redis with visibility
// timeouts, receipt handles, receive counts, and a dead-letter list. A
// scheduled zset orders messages by their visible-at time; claiming a message
// atomically pushes it one visibility window into the future, so an
// unfinished consumer's message resurfaces on its own.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/redis/go-redis/v9"

	"github.com/hrygo/repliesengine/metrics"
)

// ErrMessageNotFound is returned when a receipt handle no longer maps to an
// in-flight message.
var ErrMessageNotFound = errors.New("queue message not found")

// Message is one received queue message. ReceiptHandle is valid until the
// visibility timeout lapses.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is one named delay queue.
type Queue struct {
	rdb        *redis.Client
	name       string
	visibility time.Duration
	maxReceive int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a queue handle. maxReceive is the delivery attempt ceiling
// before a message is moved to the dead-letter list.
func New(rdb *redis.Client, name string, visibility time.Duration, maxReceive int, m *metrics.Metrics, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:        rdb,
		name:       name,
		visibility: visibility,
		maxReceive: maxReceive,
		metrics:    m,
		logger:     logger,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) schedKey() string     { return "q:" + q.name + ":sched" }
func (q *Queue) msgKeyPrefix() string { return "q:" + q.name + ":msg:" }
func (q *Queue) deadKey() string      { return "q:" + q.name + ":dead" }

// claimScript promotes up to ARGV[2] due messages: each claimed member's
// score jumps to ARGV[3] (now + visibility) and its receive count increments.
// Returns a flat [id, receives, id, receives, ...] list.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(due) do
	redis.call('ZADD', KEYS[1], ARGV[3], id)
	local n = redis.call('HINCRBY', KEYS[2] .. id, 'receives', 1)
	claimed[#claimed+1] = id
	claimed[#claimed+1] = tostring(n)
end
return claimed
`)

// Enqueue schedules a message to become visible after delay. Returns the
// message id.
func (q *Queue) Enqueue(ctx context.Context, body string, delay time.Duration) (string, error) {
	id := shortuuid.New()
	now := time.Now()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.msgKeyPrefix()+id, map[string]any{
		"body":        body,
		"enqueued_at": now.UTC().Format(time.RFC3339),
		"receives":    0,
	})
	pipe.ZAdd(ctx, q.schedKey(), redis.Z{
		Score:  float64(now.Add(delay).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// Receive claims up to max due messages, long-polling up to wait. Messages
// past the receive ceiling are moved to the dead-letter list instead of being
// returned.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.claim(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) claim(ctx context.Context, max int) ([]*Message, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.schedKey(), q.msgKeyPrefix()},
		now.UnixMilli(), max, now.Add(q.visibility).UnixMilli()).StringSlice()
	if err != nil {
		return nil, err
	}

	var msgs []*Message
	for i := 0; i+1 < len(res); i += 2 {
		id := res[i]
		receives, _ := strconv.Atoi(res[i+1])

		body, err := q.rdb.HGet(ctx, q.msgKeyPrefix()+id, "body").Result()
		if err == redis.Nil {
			// Hash expired or deleted out from under the zset; drop the orphan.
			q.rdb.ZRem(ctx, q.schedKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}

		if receives > q.maxReceive {
			if err := q.deadLetter(ctx, id, body, receives); err != nil {
				return nil, err
			}
			continue
		}
		msgs = append(msgs, &Message{ID: id, Body: body, ReceiptHandle: id, ReceiveCount: receives})
	}
	return msgs, nil
}

func (q *Queue) deadLetter(ctx context.Context, id, body string, receives int) error {
	q.logger.Warn("moving message to dead-letter list",
		"queue", q.name, "message_id", id, "receives", receives)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.deadKey(), body)
	pipe.ZRem(ctx, q.schedKey(), id)
	pipe.Del(ctx, q.msgKeyPrefix()+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	q.metrics.RecordDeadLetter(q.name)
	return nil
}

// Delete removes a message after successful processing.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.schedKey(), receiptHandle)
	pipe.Del(ctx, q.msgKeyPrefix()+receiptHandle)
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendVisibility pushes an in-flight message's redelivery a further
// extension from now. Returns ErrMessageNotFound when the handle no longer
// maps to a scheduled message.
func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string, extension time.Duration) error {
	changed, err := q.rdb.ZAddArgs(ctx, q.schedKey(), redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(time.Now().Add(extension).UnixMilli()),
			Member: receiptHandle,
		}},
	}).Result()
	if err != nil {
		return err
	}
	if changed == 0 {
		if err := q.rdb.ZScore(ctx, q.schedKey(), receiptHandle).Err(); err == redis.Nil {
			return ErrMessageNotFound
		} else if err != nil {
			return err
		}
	}
	return nil
}

// DeadLetters returns the dead-letter bodies, newest first. Used by
// operational tooling and tests.
func (q *Queue) DeadLetters(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.deadKey(), 0, -1).Result()
}
