// Package webhook implements the ingest side of the pipeline: one HTTP
// handler that turns a provider webhook into a staged fragment and, once per
// batch window, a delayed processing trigger. The provider retries on
// non-200, so every exit path acknowledges with an empty TwiML response.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrygo/repliesengine/channel"
	"github.com/hrygo/repliesengine/channel/twilio"
	"github.com/hrygo/repliesengine/metrics"
	"github.com/hrygo/repliesengine/queue"
	"github.com/hrygo/repliesengine/store"
)

// twimlEmpty acknowledges a webhook without sending a reply through the
// webhook response channel; replies go out via the REST API.
const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type resolver interface {
	Resolve(ctx context.Context, channel, companyChannel, primaryChannel string) (*store.ResolvedConversation, error)
	GetChannelCredential(ctx context.Context, ref string) (*store.ChannelCredential, error)
}

type stager interface {
	Put(ctx context.Context, conversationID string, frag *channel.InboundFragment) error
}

type locker interface {
	Acquire(ctx context.Context, conversationID, triggerID string) (bool, error)
}

// Enqueuer is the queue slice the ingest path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, body string, delay time.Duration) (string, error)
	Name() string
}

// Handler is the ingest coordinator.
type Handler struct {
	store   resolver
	stage   stager
	locks   locker
	queues  map[channel.Channel]Enqueuer
	handoff Enqueuer

	batchWindow time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Config wires a Handler.
type Config struct {
	Store       resolver
	Stage       stager
	Locks       locker
	Queues      map[channel.Channel]Enqueuer
	Handoff     Enqueuer
	BatchWindow time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewHandler creates the ingest coordinator.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:       cfg.Store,
		stage:       cfg.Stage,
		locks:       cfg.Locks,
		queues:      cfg.Queues,
		handoff:     cfg.Handoff,
		batchWindow: cfg.BatchWindow,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// ack ends the request with the empty TwiML body, whatever happened inside.
func (h *Handler) ack(c echo.Context, ch, outcome string) error {
	h.metrics.RecordWebhook(ch, outcome)
	return c.Blob(http.StatusOK, "application/xml", []byte(twimlEmpty))
}

// Handle processes POST /webhooks/:channel. Validation is deliberately late:
// the signature needs the per-company auth token, which is only known after
// the sender resolves to a conversation.
func (h *Handler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	ch := channel.Channel(c.Param("channel"))
	if !ch.IsValid() {
		h.logger.Warn("webhook for unknown channel", "channel", string(ch))
		return h.ack(c, string(ch), "invalid_channel")
	}
	logger := h.logger.With("channel", string(ch))

	if err := c.Request().ParseForm(); err != nil {
		logger.Warn("unparseable webhook body", "error", err)
		return h.ack(c, string(ch), "invalid_payload")
	}
	form := c.Request().PostForm

	frag, err := twilio.ParseForm(ch, form, time.Now())
	if err != nil {
		logger.Warn("invalid webhook payload", "error", err)
		return h.ack(c, string(ch), "invalid_payload")
	}
	logger = logger.With("message_sid", frag.MessageSid)

	rc, err := h.store.Resolve(ctx, string(ch), frag.To, frag.From)
	if err != nil {
		// Unknown senders are expected noise; acknowledge and drop.
		logger.Info("no conversation for sender", "error", err)
		return h.ack(c, string(ch), "unknown_sender")
	}
	logger = logger.With("conversation_id", rc.ConversationID)

	cred, err := h.store.GetChannelCredential(ctx, rc.ChannelCredentialRef)
	if err != nil {
		logger.Error("failed to load channel credential", "error", err)
		return h.ack(c, string(ch), "credential_error")
	}

	if ch != channel.ChannelEmail {
		requestURL := c.Scheme() + "://" + c.Request().Host + c.Request().RequestURI
		signature := c.Request().Header.Get(twilio.SignatureHeader)
		if err := twilio.Validate(cred.AuthToken, requestURL, form, signature); err != nil {
			logger.Warn("webhook signature rejected")
			return h.ack(c, string(ch), "invalid_signature")
		}
	}

	if err := h.stage.Put(ctx, rc.ConversationID, frag); err != nil {
		logger.Error("failed to stage fragment", "error", err)
		return h.ack(c, string(ch), "stage_error")
	}

	if rc.HandOffToHuman || rc.AutoHandoff {
		// Human-routed conversations bypass batching: every fragment pings
		// the handoff queue immediately.
		if err := h.enqueueTrigger(ctx, h.handoff, rc, ch, uuid.NewString(), 0); err != nil {
			logger.Error("failed to enqueue handoff trigger", "error", err)
			return h.ack(c, string(ch), "enqueue_error")
		}
		return h.ack(c, string(ch), "handoff")
	}

	triggerID := uuid.NewString()
	won, err := h.locks.Acquire(ctx, rc.ConversationID, triggerID)
	if err != nil {
		logger.Error("failed to acquire trigger lock", "error", err)
		return h.ack(c, string(ch), "lock_error")
	}
	if !won {
		// A trigger is already in flight for this batch window.
		return h.ack(c, string(ch), "staged")
	}

	q, ok := h.queues[ch]
	if !ok {
		logger.Error("no queue configured for channel")
		return h.ack(c, string(ch), "enqueue_error")
	}
	if err := h.enqueueTrigger(ctx, q, rc, ch, triggerID, h.batchWindow); err != nil {
		logger.Error("failed to enqueue trigger", "error", err)
		return h.ack(c, string(ch), "enqueue_error")
	}
	logger.Info("trigger enqueued", "trigger_id", triggerID, "queue", q.Name())
	return h.ack(c, string(ch), "triggered")
}

func (h *Handler) enqueueTrigger(ctx context.Context, q Enqueuer, rc *store.ResolvedConversation, ch channel.Channel, triggerID string, delay time.Duration) error {
	trig := &queue.Trigger{
		TriggerID:      triggerID,
		ConversationID: rc.ConversationID,
		PrimaryChannel: rc.PrimaryChannel,
		Channel:        string(ch),
	}
	body, err := trig.Encode()
	if err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, body, delay); err != nil {
		return err
	}
	h.metrics.RecordTriggerEnqueued(q.Name())
	return nil
}
