package twilio

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hrygo/repliesengine/channel"
)

func TestParseForm(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	form := url.Values{
		"From":       {"whatsapp:+15551230001"},
		"To":         {"whatsapp:+15559990000"},
		"Body":       {"hi there"},
		"AccountSid": {"AC123"},
		"MessageSid": {"SM0001"},
	}

	frag, err := ParseForm(channel.ChannelWhatsApp, form, now)
	if err != nil {
		t.Fatalf("ParseForm() error = %v", err)
	}
	if frag.From != "+15551230001" {
		t.Errorf("From = %q, want prefix stripped", frag.From)
	}
	if frag.To != "+15559990000" {
		t.Errorf("To = %q, want prefix stripped", frag.To)
	}
	if frag.Body != "hi there" || frag.MessageSid != "SM0001" || frag.AccountSid != "AC123" {
		t.Errorf("unexpected fragment: %+v", frag)
	}
	if !frag.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", frag.ReceivedAt, now)
	}
}

func TestParseFormAllowsEmptyBody(t *testing.T) {
	form := url.Values{
		"From":       {"sms:+15551230001"},
		"To":         {"sms:+15559990000"},
		"AccountSid": {"AC123"},
		"MessageSid": {"SM0002"},
	}
	frag, err := ParseForm(channel.ChannelSMS, form, time.Now())
	if err != nil {
		t.Fatalf("ParseForm() error = %v", err)
	}
	if frag.Body != "" {
		t.Errorf("Body = %q, want empty", frag.Body)
	}
}

func TestParseFormMissingRequired(t *testing.T) {
	for _, missing := range []string{"From", "To", "AccountSid", "MessageSid"} {
		t.Run(missing, func(t *testing.T) {
			form := url.Values{
				"From":       {"+1"},
				"To":         {"+2"},
				"AccountSid": {"AC"},
				"MessageSid": {"SM"},
			}
			form.Del(missing)
			if _, err := ParseForm(channel.ChannelWhatsApp, form, time.Now()); !errors.Is(err, channel.ErrInvalidPayload) {
				t.Errorf("ParseForm() = %v, want ErrInvalidPayload", err)
			}
		})
	}
}
