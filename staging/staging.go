// Package staging holds the transient ingest state in redis: the per
// conversation stage of pending fragments and the trigger lock that
// deduplicates queue triggers inside one batch window.
package staging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hrygo/repliesengine/channel"
)

// StageStore keeps inbound fragments keyed by conversation until the
// processor drains them. One redis hash per conversation, field per provider
// message id, so webhook re-delivery overwrites instead of duplicating.
type StageStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStageStore creates a StageStore. ttl must cover the batch window plus
// every possible trigger redelivery, or a failed turn's fragments expire
// before the queue hands the trigger back; it is refreshed on every put.
func NewStageStore(rdb *redis.Client, prefix string, ttl time.Duration) *StageStore {
	return &StageStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *StageStore) key(conversationID string) string {
	return s.prefix + ":" + conversationID
}

// Put stages one fragment. Idempotent per message sid.
func (s *StageStore) Put(ctx context.Context, conversationID string, frag *channel.InboundFragment) error {
	payload, err := json.Marshal(frag)
	if err != nil {
		return err
	}
	key := s.key(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, frag.MessageSid, payload)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns every staged fragment for a conversation. An expired or empty
// stage returns a nil slice, not an error.
func (s *StageStore) List(ctx context.Context, conversationID string) ([]*channel.InboundFragment, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	frags := make([]*channel.InboundFragment, 0, len(fields))
	for _, raw := range fields {
		var frag channel.InboundFragment
		if err := json.Unmarshal([]byte(raw), &frag); err != nil {
			return nil, err
		}
		frags = append(frags, &frag)
	}
	if len(frags) == 0 {
		return nil, nil
	}
	return frags, nil
}

// Delete removes the given fragments from the stage. Fragments staged after
// the processor's List survive for the next batch.
func (s *StageStore) Delete(ctx context.Context, conversationID string, messageSids []string) error {
	if len(messageSids) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.key(conversationID), messageSids...).Err()
}

// LockStore is the trigger lock: at most one queue trigger per conversation
// per batch window.
type LockStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLockStore creates a LockStore with the given lock lifetime.
func NewLockStore(rdb *redis.Client, prefix string, ttl time.Duration) *LockStore {
	return &LockStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *LockStore) key(conversationID string) string {
	return l.prefix + ":" + conversationID
}

// Acquire attempts to take the trigger lock. Returns true when this caller
// won the lock and must enqueue the trigger.
func (l *LockStore) Acquire(ctx context.Context, conversationID, triggerID string) (bool, error) {
	return l.rdb.SetNX(ctx, l.key(conversationID), triggerID, l.ttl).Result()
}

// Release drops the lock so the next inbound fragment starts a new batch.
func (l *LockStore) Release(ctx context.Context, conversationID string) error {
	return l.rdb.Del(ctx, l.key(conversationID)).Err()
}
