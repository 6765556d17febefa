package process

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hrygo/repliesengine/channel"
	"github.com/hrygo/repliesengine/queue"
)

const (
	receiveBatchSize = 5
	receiveWait      = 10 * time.Second
	receiveBackoff   = 2 * time.Second
	deleteTimeout    = 5 * time.Second
)

// Worker is the long-poll consumer for one channel queue. Each received
// trigger runs under a visibility heartbeat so slow turns are not redelivered
// mid-flight.
type Worker struct {
	queue     *queue.Queue
	processor *Processor

	heartbeatInterval  time.Duration
	heartbeatExtension time.Duration
	logger             *slog.Logger
}

// NewWorker creates a worker for one queue.
func NewWorker(q *queue.Queue, p *Processor, heartbeatInterval, heartbeatExtension time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		queue:              q,
		processor:          p,
		heartbeatInterval:  heartbeatInterval,
		heartbeatExtension: heartbeatExtension,
		logger:             logger.With("queue", q.Name()),
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		msgs, err := w.queue.Receive(ctx, receiveBatchSize, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("receive failed, backing off", "error", err)
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, msg := range msgs {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *queue.Message) {
	trig, err := queue.DecodeTrigger(msg.Body)
	if err != nil {
		// Undecodable triggers can never succeed; drop them.
		w.logger.Error("dropping undecodable trigger", "message_id", msg.ID, "error", err)
		w.deleteMessage(msg)
		return
	}

	hb := StartHeartbeat(w.queue, msg.ReceiptHandle, w.heartbeatInterval, w.heartbeatExtension, w.logger)
	err = w.processor.Process(ctx, trig)
	if hbErr := hb.Stop(); hbErr != nil {
		w.logger.Warn("heartbeat reported extension failures",
			"message_id", msg.ID, "error", hbErr)
	}

	if err == nil {
		w.deleteMessage(msg)
		return
	}
	if errors.Is(err, channel.ErrLeaseHeld) {
		// The holder's delivery owns the batch; this one is surplus.
		w.logger.Info("lease held by another delivery, consuming trigger", "message_id", msg.ID)
		w.deleteMessage(msg)
		return
	}
	if !IsRetryable(err) {
		w.logger.Error("trigger failed permanently", "message_id", msg.ID, "error", err)
		w.deleteMessage(msg)
		return
	}
	// Retryable: leave the message; the visibility timeout redelivers it and
	// the receive ceiling dead-letters repeat offenders.
	w.logger.Warn("trigger failed, leaving for redelivery",
		"message_id", msg.ID,
		"receive_count", msg.ReceiveCount,
		"error", err)
}

func (w *Worker) deleteMessage(msg *queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete message", "message_id", msg.ID, "error", err)
	}
}
