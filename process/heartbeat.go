package process

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// visibilityExtender is the queue slice the heartbeat needs.
type visibilityExtender interface {
	ExtendVisibility(ctx context.Context, receiptHandle string, extension time.Duration) error
}

// Heartbeat keeps one in-flight queue message invisible while its turn is
// processed, extending the visibility window on a fixed interval.
type Heartbeat struct {
	q         visibilityExtender
	handle    string
	interval  time.Duration
	extension time.Duration
	logger    *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	firstErr error
}

// StartHeartbeat begins extending the message visibility every interval by
// extension. Extension failures are recorded and retried next tick; the
// first failure is reported by Stop.
func StartHeartbeat(q visibilityExtender, receiptHandle string, interval, extension time.Duration, logger *slog.Logger) *Heartbeat {
	h := &Heartbeat{
		q:         q,
		handle:    receiptHandle,
		interval:  interval,
		extension: extension,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.q.ExtendVisibility(ctx, h.handle, h.extension)
			cancel()
			if err != nil {
				h.logger.Warn("failed to extend message visibility",
					"receipt_handle", h.handle, "error", err)
				h.mu.Lock()
				if h.firstErr == nil {
					h.firstErr = err
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop halts the heartbeat and returns the first extension error, if any.
// Safe to call more than once and from any exit path.
func (h *Heartbeat) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstErr
}
