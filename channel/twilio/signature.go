// Package twilio implements the Twilio side of the channel layer: webhook
// signature verification, form payload parsing, and the outbound REST sender.
// WhatsApp and SMS both ride this adapter.
package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/hrygo/repliesengine/channel"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// Sign computes the webhook signature for a request: HMAC-SHA1 over the full
// request URL followed by every form parameter as key+value in key-sorted
// order, base64 encoded.
func Sign(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		// Twilio signs the first value only.
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Validate checks a webhook signature against the request URL and form body.
// The compare is constant-time.
func Validate(authToken, requestURL string, form url.Values, signature string) error {
	expected := Sign(authToken, requestURL, form)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return channel.ErrInvalidSignature
	}
	return nil
}
