// Package channel defines the channel-facing types shared by the ingest and
// processing services: the channel enum, the inbound fragment shape, and the
// error taxonomy used to classify provider failures.
package channel

import "time"

// Channel represents a supported messaging channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// IsValid checks if the channel is valid.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	default:
		return false
	}
}

// InboundFragment is one inbound message as delivered by a provider webhook.
// Fragments for the same conversation are staged and later merged into a
// single user turn.
type InboundFragment struct {
	Channel    Channel   `json:"channel"`
	From       string    `json:"from"`        // end-user identifier, provider prefix stripped
	To         string    `json:"to"`          // company-side identifier, provider prefix stripped
	Body       string    `json:"body"`        // may be empty (media-only messages)
	MessageSid string    `json:"message_sid"` // provider message id, idempotency key
	AccountSid string    `json:"account_sid"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundMessage is a reply to send back through a provider.
type OutboundMessage struct {
	Channel Channel
	From    string // company-side identifier
	To      string // end-user identifier
	Body    string
}
