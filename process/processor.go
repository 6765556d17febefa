package process

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hrygo/repliesengine/ai/assistant"
	"github.com/hrygo/repliesengine/channel"
	"github.com/hrygo/repliesengine/metrics"
	"github.com/hrygo/repliesengine/queue"
	"github.com/hrygo/repliesengine/store"
	"github.com/hrygo/repliesengine/store/db"
)

// conversationStore is the durable-store slice the processor uses.
type conversationStore interface {
	Get(ctx context.Context, primaryChannel, conversationID string) (*store.ConversationRecord, error)
	AcquireLease(ctx context.Context, primaryChannel, conversationID string, stealThreshold time.Duration) (string, error)
	ReleaseLease(ctx context.Context, primaryChannel, conversationID, status string) error
	CommitTurn(ctx context.Context, primaryChannel, conversationID string, turn *db.TurnResult) error
	GetChannelCredential(ctx context.Context, ref string) (*store.ChannelCredential, error)
	GetAICredential(ctx context.Context, ref string) (*store.AICredential, error)
}

type stager interface {
	List(ctx context.Context, conversationID string) ([]*channel.InboundFragment, error)
	Delete(ctx context.Context, conversationID string, messageSids []string) error
}

type locker interface {
	Release(ctx context.Context, conversationID string) error
}

// AIDriver runs assistant turns; the processor builds one per conversation
// credential.
type AIDriver interface {
	RunTurn(ctx context.Context, threadID, assistantID, userContent string) (*assistant.TurnResult, error)
}

// OutboundSender delivers the assistant reply through the provider.
type OutboundSender interface {
	Send(ctx context.Context, msg *channel.OutboundMessage) (string, error)
}

// Processor runs one conversation turn for each received trigger.
type Processor struct {
	store     conversationStore
	stage     stager
	locks     locker
	newAI     func(apiKey string) AIDriver
	newSender func(accountSid, authToken string) OutboundSender

	stealThreshold time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Store          conversationStore
	Stage          stager
	Locks          locker
	NewAI          func(apiKey string) AIDriver
	NewSender      func(accountSid, authToken string) OutboundSender
	StealThreshold time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		store:          cfg.Store,
		stage:          cfg.Stage,
		locks:          cfg.Locks,
		newAI:          cfg.NewAI,
		newSender:      cfg.NewSender,
		stealThreshold: cfg.StealThreshold,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
}

// Process handles one trigger end to end. A nil return means the turn is
// settled and the queue message may be deleted; a non-retryable error means
// the same; a retryable error leaves the message for redelivery.
func (p *Processor) Process(ctx context.Context, trig *queue.Trigger) error {
	started := time.Now()
	logger := p.logger.With(
		"conversation_id", trig.ConversationID,
		"trigger_id", trig.TriggerID,
		"channel", trig.Channel)

	err := p.process(ctx, trig, logger)
	result := "ok"
	if err != nil {
		result = "error"
		if IsRetryable(err) {
			result = "retry"
		}
	}
	p.metrics.RecordTurn(trig.Channel, result, time.Since(started))
	return err
}

func (p *Processor) process(ctx context.Context, trig *queue.Trigger, logger *slog.Logger) error {
	pc, cid := trig.PrimaryChannel, trig.ConversationID

	prior, err := p.store.AcquireLease(ctx, pc, cid, p.stealThreshold)
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			logger.Error("trigger references unknown conversation")
			return channel.ErrConversationNotFound.Wrap(err)
		}
		if errors.Is(err, db.ErrLeaseHeld) {
			logger.Info("lease held elsewhere, consuming trigger")
			return channel.ErrLeaseHeld.Wrap(err)
		}
		return channel.ErrAITurnFailed.Wrap(err)
	}

	// Everything after the lease releases it on failure so the conversation
	// is not stranded in processing_reply.
	frags, err := p.stage.List(ctx, cid)
	if err != nil {
		return p.fail(ctx, pc, cid, logger, channel.ErrAITurnFailed.Wrap(err))
	}
	if len(frags) == 0 {
		if prior == store.StatusRetry {
			// A failed turn's fragments must survive until redelivery; an
			// empty stage here means they expired and the user's batch is
			// gone. Redrive so the loss lands in the dead-letter list.
			logger.Error("stage empty after failed turn, fragments lost")
			p.releaseLease(ctx, pc, cid, store.StatusRetry, logger)
			return channel.ErrAITurnFailed
		}
		// Already drained by an earlier delivery of this trigger.
		logger.Info("stage empty, settling trigger")
		p.releaseLease(ctx, pc, cid, store.StatusReplySent, logger)
		p.releaseLock(ctx, cid, logger)
		return nil
	}

	rec, err := p.store.Get(ctx, pc, cid)
	if err != nil {
		return p.fail(ctx, pc, cid, logger, channel.ErrAITurnFailed.Wrap(err))
	}

	if rec.HandOffToHuman {
		// Flipped after ingest routing; leave the fragments for the human
		// side and step out of the way.
		logger.Info("conversation handed off to human, skipping AI turn")
		p.releaseLease(ctx, pc, cid, store.StatusHandoffRequired, logger)
		p.releaseLock(ctx, cid, logger)
		return nil
	}

	chCred, err := p.store.GetChannelCredential(ctx, rec.ChannelCredentialRef)
	if err != nil {
		return p.fail(ctx, pc, cid, logger, channel.ErrCredentialUnavailable.Wrap(err))
	}
	aiCred, err := p.store.GetAICredential(ctx, rec.AICredentialRef)
	if err != nil {
		return p.fail(ctx, pc, cid, logger, channel.ErrCredentialUnavailable.Wrap(err))
	}

	if rec.ThreadID == "" {
		// The outbound engine provisions the thread at conversation
		// creation; a reply turn never creates or overwrites one.
		logger.Error("conversation has no assistant thread")
		p.releaseLease(ctx, pc, cid, store.StatusHandoffRequired, logger)
		p.releaseLock(ctx, cid, logger)
		return channel.ErrThreadMissing
	}

	batch := Merge(frags)
	driver := p.newAI(aiCred.APIKey)

	turn, err := driver.RunTurn(ctx, rec.ThreadID, rec.AssistantID, batch.Content)
	if err != nil {
		return p.fail(ctx, pc, cid, logger, err)
	}

	sender := p.newSender(chCred.AccountSid, chCred.AuthToken)
	outSid, err := sender.Send(ctx, &channel.OutboundMessage{
		Channel: channel.Channel(rec.Channel),
		From:    rec.CompanyChannel,
		To:      rec.PrimaryChannel,
		Body:    turn.Reply,
	})
	if err != nil {
		return p.fail(ctx, pc, cid, logger, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	commit := &db.TurnResult{
		UserTurn: store.Message{
			Role:        "user",
			Content:     batch.Content,
			Timestamp:   batch.ReceivedAt.UTC().Format(time.RFC3339),
			MessageSids: batch.MessageSids,
		},
		AssistantTurn: store.Message{
			Role:       "assistant",
			Content:    turn.Reply,
			Timestamp:  now,
			MessageSid: outSid,
			TokenCount: turn.CompletionTokens,
		},
		PromptTokens:     turn.PromptTokens,
		CompletionTokens: turn.CompletionTokens,
		TotalTokens:      turn.TotalTokens,
	}
	if err := p.store.CommitTurn(ctx, pc, cid, commit); err != nil {
		// The reply went out but the record did not settle. Leave the stage
		// and lock in place; the redelivered trigger drives recovery.
		logger.Error("commit failed after send", "error", err)
		return channel.ErrAITurnFailed.Wrap(err)
	}
	p.metrics.RecordAITokens(turn.PromptTokens, turn.CompletionTokens)

	// Cleanup only after the commit: the TTLs are the backstop if these fail.
	if err := p.stage.Delete(ctx, cid, batch.MessageSids); err != nil {
		logger.Warn("failed to delete drained fragments", "error", err)
	}
	p.releaseLock(ctx, cid, logger)

	logger.Info("turn committed",
		"merged_fragments", len(batch.MessageSids),
		"outbound_sid", outSid,
		"total_tokens", turn.TotalTokens)
	return nil
}

// fail releases the lease to retry and passes the error through.
func (p *Processor) fail(ctx context.Context, pc, cid string, logger *slog.Logger, err error) error {
	logger.Error("turn failed", "error", err)
	p.releaseLease(ctx, pc, cid, store.StatusRetry, logger)
	return err
}

func (p *Processor) releaseLease(ctx context.Context, pc, cid, status string, logger *slog.Logger) {
	if err := p.store.ReleaseLease(ctx, pc, cid, status); err != nil {
		logger.Warn("failed to release lease", "status", status, "error", err)
	}
}

func (p *Processor) releaseLock(ctx context.Context, cid string, logger *slog.Logger) {
	if err := p.locks.Release(ctx, cid); err != nil {
		logger.Warn("failed to release trigger lock", "error", err)
	}
}

// IsRetryable classifies a processing error: channel errors answer for
// themselves, anything unclassified is presumed transient.
func IsRetryable(err error) bool {
	var chErr *channel.ChannelError
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return true
}
