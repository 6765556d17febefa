package channel

// Errors
var (
	ErrInvalidSignature      = &ChannelError{Code: "INVALID_SIGNATURE", Message: "webhook signature validation failed"}
	ErrInvalidPayload        = &ChannelError{Code: "INVALID_PAYLOAD", Message: "could not parse webhook payload"}
	ErrConversationNotFound  = &ChannelError{Code: "CONVERSATION_NOT_FOUND", Message: "no conversation for sender"}
	ErrCredentialUnavailable = &ChannelError{Code: "CREDENTIAL_UNAVAILABLE", Message: "could not load channel credential"}
	ErrSendPermanent         = &ChannelError{Code: "SEND_PERMANENT", Message: "provider rejected the outbound message"}
	ErrSendTransient         = &ChannelError{Code: "SEND_TRANSIENT", Message: "transient provider failure sending message"}
	ErrAITurnFailed          = &ChannelError{Code: "AI_TURN_FAILED", Message: "assistant run did not produce a reply"}
	ErrLeaseHeld             = &ChannelError{Code: "LEASE_HELD", Message: "conversation is held by another processor"}
	ErrThreadMissing         = &ChannelError{Code: "THREAD_MISSING", Message: "conversation has no assistant thread"}
)

// ChannelError represents an error in channel operations.
type ChannelError struct {
	Code    string
	Message string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Wrap returns a copy of the error carrying an underlying cause.
func (e *ChannelError) Wrap(err error) *ChannelError {
	return &ChannelError{Code: e.Code, Message: e.Message, Err: err}
}

// Is reports code equality so wrapped copies match their sentinel
// via errors.Is.
func (e *ChannelError) Is(target error) bool {
	t, ok := target.(*ChannelError)
	return ok && t.Code == e.Code
}

// IsRetryable returns true if the error is transient and the operation can be
// retried on a later delivery. A held lease is not retryable: the holder owns
// the batch and the losing trigger must be consumed, not redelivered. A
// permanently rejected send stays retryable so the trigger redrives to the
// dead-letter list instead of vanishing.
func (e *ChannelError) IsRetryable() bool {
	switch e.Code {
	case "INVALID_SIGNATURE", "INVALID_PAYLOAD", "CONVERSATION_NOT_FOUND", "LEASE_HELD", "THREAD_MISSING":
		return false
	default:
		return true
	}
}
