package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/repliesengine/channel"
)

// fakeThreadAPI scripts the provider side of a turn.
type fakeThreadAPI struct {
	createMessageErr error
	createRunErr     error

	// statuses are served by successive RetrieveRun calls; the last one
	// repeats.
	statuses    []openai.RunStatus
	retrieves   atomic.Int32
	usage       openai.Usage
	lastError   *openai.RunLastError
	replyText   string
	cancelCalls atomic.Int32
}

func (f *fakeThreadAPI) CreateMessage(ctx context.Context, threadID string, _ openai.MessageRequest) (openai.Message, error) {
	if f.createMessageErr != nil {
		return openai.Message{}, f.createMessageErr
	}
	return openai.Message{ID: "msg_1", ThreadID: threadID}, nil
}

func (f *fakeThreadAPI) CreateRun(ctx context.Context, threadID string, _ openai.RunRequest) (openai.Run, error) {
	if f.createRunErr != nil {
		return openai.Run{}, f.createRunErr
	}
	return openai.Run{ID: "run_1", ThreadID: threadID, Status: openai.RunStatusQueued}, nil
}

func (f *fakeThreadAPI) RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	i := int(f.retrieves.Add(1)) - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return openai.Run{
		ID:        runID,
		ThreadID:  threadID,
		Status:    f.statuses[i],
		Usage:     f.usage,
		LastError: f.lastError,
	}, nil
}

func (f *fakeThreadAPI) CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	f.cancelCalls.Add(1)
	return openai.Run{ID: runID, Status: openai.RunStatusCancelled}, nil
}

func (f *fakeThreadAPI) ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error) {
	return openai.MessagesList{Messages: []openai.Message{
		{
			Role:  "assistant",
			RunID: runID,
			Content: []openai.MessageContent{
				{Type: "text", Text: &openai.MessageText{Value: f.replyText}},
			},
		},
	}}, nil
}

func testDriver(f *fakeThreadAPI, budget time.Duration) *Driver {
	return NewWithClient(f, budget, slog.New(slog.DiscardHandler))
}

func TestRunTurnCompletes(t *testing.T) {
	fake := &fakeThreadAPI{
		statuses:  []openai.RunStatus{openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCompleted},
		usage:     openai.Usage{PromptTokens: 30, CompletionTokens: 12, TotalTokens: 42},
		replyText: `{"content":"got both, thanks"}`,
	}
	d := testDriver(fake, 30*time.Second)

	result, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "first\nsecond")
	require.NoError(t, err)
	require.Equal(t, "got both, thanks", result.Reply)
	require.Equal(t, 30, result.PromptTokens)
	require.Equal(t, 42, result.TotalTokens)
	require.GreaterOrEqual(t, fake.retrieves.Load(), int32(3))
}

func TestRunTurnFailedRun(t *testing.T) {
	fake := &fakeThreadAPI{
		statuses:  []openai.RunStatus{openai.RunStatusFailed},
		lastError: &openai.RunLastError{Code: "server_error", Message: "upstream error"},
	}
	d := testDriver(fake, 30*time.Second)

	_, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "hi")
	require.ErrorIs(t, err, channel.ErrAITurnFailed)
}

func TestRunTurnRequiresActionFails(t *testing.T) {
	fake := &fakeThreadAPI{statuses: []openai.RunStatus{openai.RunStatusRequiresAction}}
	d := testDriver(fake, 30*time.Second)

	_, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "hi")
	require.ErrorIs(t, err, channel.ErrAITurnFailed)
}

func TestRunTurnBudgetTimeoutCancelsRun(t *testing.T) {
	fake := &fakeThreadAPI{statuses: []openai.RunStatus{openai.RunStatusInProgress}}
	d := testDriver(fake, 100*time.Millisecond)

	_, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "hi")
	require.ErrorIs(t, err, channel.ErrAITurnFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), fake.cancelCalls.Load())
}

func TestRunTurnMalformedReply(t *testing.T) {
	for name, reply := range map[string]string{
		"not json":      "plain text reply",
		"empty content": `{"content":"  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeThreadAPI{
				statuses:  []openai.RunStatus{openai.RunStatusCompleted},
				replyText: reply,
			}
			d := testDriver(fake, 30*time.Second)
			_, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "hi")
			require.ErrorIs(t, err, channel.ErrAITurnFailed)
		})
	}
}

func TestRunTurnCreateMessageError(t *testing.T) {
	fake := &fakeThreadAPI{createMessageErr: errors.New("boom")}
	d := testDriver(fake, time.Second)

	_, err := d.RunTurn(context.Background(), "thread_1", "asst_1", "hi")
	require.ErrorIs(t, err, channel.ErrAITurnFailed)
}
