// Package assistant drives one conversation turn against the OpenAI
// Assistants API: append the user message to the conversation thread, start
// an assistant run, poll it to a terminal state under a wall-clock budget,
// and extract the structured reply.
package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/repliesengine/channel"
)

// threadAPI is the slice of the OpenAI client the driver uses. Tests plug a
// fake in here.
type threadAPI interface {
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	CancelRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
}

var _ threadAPI = (*openai.Client)(nil)

const (
	pollInitial = 500 * time.Millisecond
	pollFactor  = 1.5
	pollMax     = 5 * time.Second
)

// TurnResult is one completed assistant turn.
type TurnResult struct {
	Reply            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Driver runs assistant turns for one AI credential.
type Driver struct {
	client     threadAPI
	pollBudget time.Duration
	logger     *slog.Logger
}

// New creates a Driver for an API key.
func New(apiKey string, pollBudget time.Duration, logger *slog.Logger) *Driver {
	return NewWithClient(openai.NewClient(apiKey), pollBudget, logger)
}

// NewWithClient creates a Driver around an existing client. Used by tests.
func NewWithClient(client threadAPI, pollBudget time.Duration, logger *slog.Logger) *Driver {
	return &Driver{client: client, pollBudget: pollBudget, logger: logger}
}

// RunTurn appends userContent to the thread, runs the assistant, and waits
// for the reply. The wait is bounded by the poll budget; on timeout the run
// is cancelled best-effort and the turn fails as retryable.
func (d *Driver) RunTurn(ctx context.Context, threadID, assistantID, userContent string) (*TurnResult, error) {
	_, err := d.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: userContent,
	})
	if err != nil {
		return nil, channel.ErrAITurnFailed.Wrap(err)
	}

	run, err := d.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return nil, channel.ErrAITurnFailed.Wrap(err)
	}

	run, err = d.waitForRun(ctx, threadID, run.ID)
	if err != nil {
		return nil, err
	}

	reply, err := d.extractReply(ctx, threadID, run.ID)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{Reply: reply}
	result.PromptTokens = run.Usage.PromptTokens
	result.CompletionTokens = run.Usage.CompletionTokens
	result.TotalTokens = run.Usage.TotalTokens
	return result, nil
}

// waitForRun polls the run to a terminal state with geometric backoff.
func (d *Driver) waitForRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	budget, cancel := context.WithTimeout(ctx, d.pollBudget)
	defer cancel()

	interval := pollInitial
	for {
		select {
		case <-budget.Done():
			d.cancelRun(threadID, runID)
			return openai.Run{}, channel.ErrAITurnFailed.Wrap(budget.Err())
		case <-time.After(interval):
		}
		if interval = time.Duration(float64(interval) * pollFactor); interval > pollMax {
			interval = pollMax
		}

		run, err := d.client.RetrieveRun(budget, threadID, runID)
		if err != nil {
			return openai.Run{}, channel.ErrAITurnFailed.Wrap(err)
		}

		switch run.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress:
			continue
		case openai.RunStatusCompleted:
			return run, nil
		default:
			// failed, cancelled, expired, incomplete, requires_action (tool
			// calls are not supported here) all end the turn.
			err := channel.ErrAITurnFailed
			if run.LastError != nil {
				d.logger.Error("assistant run ended abnormally",
					"run_id", runID,
					"status", run.Status,
					"code", run.LastError.Code,
					"message", run.LastError.Message)
			} else {
				d.logger.Error("assistant run ended abnormally",
					"run_id", runID, "status", run.Status)
			}
			return openai.Run{}, err
		}
	}
}

// cancelRun is best-effort cleanup after a poll timeout; the parent context
// is already dead, so it runs on its own short one.
func (d *Driver) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.client.CancelRun(ctx, threadID, runID); err != nil {
		d.logger.Warn("failed to cancel timed-out run", "run_id", runID, "error", err)
	}
}

// assistantReply is the structured payload assistants are instructed to emit.
type assistantReply struct {
	Content string `json:"content"`
}

// extractReply reads the newest assistant message produced by the run and
// parses its {"content": ...} payload. Anything else is a malformed reply
// and fails the turn.
func (d *Driver) extractReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 10
	order := "desc"
	list, err := d.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", channel.ErrAITurnFailed.Wrap(err)
	}

	for _, msg := range list.Messages {
		if msg.Role != string(openai.ChatMessageRoleAssistant) {
			continue
		}
		for _, part := range msg.Content {
			if part.Text == nil {
				continue
			}
			var reply assistantReply
			if err := json.Unmarshal([]byte(part.Text.Value), &reply); err != nil {
				return "", channel.ErrAITurnFailed.Wrap(err)
			}
			if strings.TrimSpace(reply.Content) == "" {
				return "", channel.ErrAITurnFailed
			}
			return reply.Content, nil
		}
	}
	return "", channel.ErrAITurnFailed
}
