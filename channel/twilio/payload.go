package twilio

import (
	"net/url"
	"strings"
	"time"

	"github.com/hrygo/repliesengine/channel"
)

// address prefixes Twilio puts on From/To depending on the product.
var addressPrefixes = []string{"whatsapp:", "sms:"}

func stripPrefix(addr string) string {
	for _, p := range addressPrefixes {
		if strings.HasPrefix(addr, p) {
			return strings.TrimPrefix(addr, p)
		}
	}
	return addr
}

func addPrefix(ch channel.Channel, addr string) string {
	if ch == channel.ChannelWhatsApp && !strings.HasPrefix(addr, "whatsapp:") {
		return "whatsapp:" + addr
	}
	return addr
}

// ParseForm adapts a Twilio webhook form body into an InboundFragment.
// From, To, AccountSid, and MessageSid are required; Body may be empty
// (media-only messages still batch as empty fragments).
func ParseForm(ch channel.Channel, form url.Values, receivedAt time.Time) (*channel.InboundFragment, error) {
	required := []string{"From", "To", "AccountSid", "MessageSid"}
	for _, k := range required {
		if form.Get(k) == "" {
			return nil, channel.ErrInvalidPayload
		}
	}

	return &channel.InboundFragment{
		Channel:    ch,
		From:       stripPrefix(form.Get("From")),
		To:         stripPrefix(form.Get("To")),
		Body:       form.Get("Body"),
		MessageSid: form.Get("MessageSid"),
		AccountSid: form.Get("AccountSid"),
		ReceivedAt: receivedAt.UTC(),
	}, nil
}
