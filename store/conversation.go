// Package store defines the durable conversation model shared by the ingest
// and processing services, plus credential encryption at rest.
package store

import "time"

// Conversation status values. processing_reply doubles as the processing
// lease: a row in that state belongs to exactly one processor.
const (
	StatusTemplateSent    = "template_sent"
	StatusProcessingReply = "processing_reply"
	StatusReplySent       = "reply_sent"
	StatusRetry           = "retry"
	StatusHandoffRequired = "handoff_required"
)

// Message is one turn in the conversation transcript, stored as a JSON array
// on the conversation row.
type Message struct {
	Role       string `json:"role"` // "user" or "assistant"
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"` // RFC3339
	TokenCount int    `json:"token_count,omitempty"`

	// MessageSids lists every provider message merged into a user turn.
	MessageSids []string `json:"message_sids,omitempty"`
	// MessageSid is the provider id of an outbound assistant turn.
	MessageSid string `json:"message_sid,omitempty"`
}

// ConversationRecord is one conversation row. The primary key is
// (PrimaryChannel, ConversationID); the resolver reaches the row through the
// unique (Channel, CompanyChannel, PrimaryChannel) index.
type ConversationRecord struct {
	PrimaryChannel string // end-user identifier, e.g. "+15551230001"
	ConversationID string
	Channel        string // "whatsapp", "sms", "email"
	CompanyID      string
	CompanyChannel string // company-side identifier the user wrote to
	Status         string

	ChannelCredentialRef string
	AICredentialRef      string
	AssistantID          string
	ThreadID             string

	HandOffToHuman bool
	AutoHandoff    bool

	Messages         []Message
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResolvedConversation is the slim resolver result used on the ingest path.
type ResolvedConversation struct {
	ConversationID       string
	PrimaryChannel       string
	ChannelCredentialRef string
	HandOffToHuman       bool
	AutoHandoff          bool
}

// ChannelCredential is the decrypted provider credential.
type ChannelCredential struct {
	AccountSid string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
}

// AICredential is the decrypted AI provider credential.
type AICredential struct {
	APIKey string `json:"api_key"`
}
