package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/repliesengine/channel"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	maxAttempts    = 3
	baseBackoff    = 500 * time.Millisecond
)

// Sender sends outbound messages through the Twilio Messages REST API.
// One Sender is built per turn from the conversation's channel credential.
type Sender struct {
	accountSid string
	authToken  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// SenderOption customizes a Sender.
type SenderOption func(*Sender)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) SenderOption {
	return func(s *Sender) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = c }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) SenderOption {
	return func(s *Sender) { s.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// NewSender creates a Sender for one Twilio account.
func NewSender(accountSid, authToken string, logger *slog.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		accountSid: accountSid,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type messageResponse struct {
	Sid     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send delivers one outbound message and returns the provider message SID.
// Transient failures (5xx, 429, network errors) are retried up to three
// attempts with exponential backoff and jitter; other 4xx responses are
// permanent.
func (s *Sender) Send(ctx context.Context, msg *channel.OutboundMessage) (string, error) {
	form := url.Values{}
	form.Set("From", addPrefix(msg.Channel, msg.From))
	form.Set("To", addPrefix(msg.Channel, msg.To))
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSid)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", channel.ErrSendTransient.Wrap(err)
		}

		sid, retry, err := s.attempt(ctx, endpoint, form)
		if err == nil {
			return sid, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := baseBackoff << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			s.logger.Warn("outbound send failed, retrying",
				"attempt", attempt,
				"backoff", backoff+jitter,
				"error", err)
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return "", channel.ErrSendTransient.Wrap(ctx.Err())
			}
		}
	}
	return "", lastErr
}

func (s *Sender) attempt(ctx context.Context, endpoint string, form url.Values) (sid string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, channel.ErrSendPermanent.Wrap(err)
	}
	req.SetBasicAuth(s.accountSid, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", true, channel.ErrSendTransient.Wrap(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, channel.ErrSendTransient.Wrap(err)
	}

	var mr messageResponse
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(body, &mr); err != nil {
			return "", false, channel.ErrSendPermanent.Wrap(err)
		}
		return mr.Sid, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, channel.ErrSendTransient.Wrap(fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return "", false, channel.ErrSendPermanent.Wrap(fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}
