package twilio

import (
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	"github.com/hrygo/repliesengine/channel"
)

const testAuthToken = "12345678901234567890123456789012"

func testForm() url.Values {
	return url.Values{
		"From":       {"whatsapp:+15551230001"},
		"To":         {"whatsapp:+15559990000"},
		"Body":       {"hello"},
		"AccountSid": {"ACxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
		"MessageSid": {"SM0001"},
	}
}

func TestSignValidateRoundTrip(t *testing.T) {
	u := "https://replies.example.com/webhooks/whatsapp"
	form := testForm()

	sig := Sign(testAuthToken, u, form)
	if err := Validate(testAuthToken, u, form, sig); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestSignKnownVector(t *testing.T) {
	// Vector from the Twilio security docs.
	u := "https://mycompany.com/myapp.php?foo=1&bar=2"
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := Sign("12345", u, form)
	want := "0/KCTR6DLpKmkAf8muzZqo1nDgQ="
	if got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	u := "https://replies.example.com/webhooks/whatsapp"
	form := testForm()
	sig := Sign(testAuthToken, u, form)

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if err := Validate(testAuthToken, u, form, tampered); !errors.Is(err, channel.ErrInvalidSignature) {
		t.Errorf("Validate() = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsTamperedBody(t *testing.T) {
	u := "https://replies.example.com/webhooks/whatsapp"
	form := testForm()
	sig := Sign(testAuthToken, u, form)

	form.Set("Body", "hello!")
	if err := Validate(testAuthToken, u, form, sig); !errors.Is(err, channel.ErrInvalidSignature) {
		t.Errorf("Validate() = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsWrongToken(t *testing.T) {
	u := "https://replies.example.com/webhooks/whatsapp"
	form := testForm()
	sig := Sign(testAuthToken, u, form)

	if err := Validate("other-token", u, form, sig); !errors.Is(err, channel.ErrInvalidSignature) {
		t.Errorf("Validate() = %v, want ErrInvalidSignature", err)
	}
}
