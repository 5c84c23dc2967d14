// Package signing provides the X-Hub-Signature helper the delivery engine
// uses to authenticate outbound payloads to subscribers (spec §4.E). It is
// intentionally built on the standard library: no signing library in the
// example pack does anything beyond crypto/hmac + crypto/sha1 already cover,
// and spec.md §1 explicitly treats the signing helper as an opaque,
// out-of-scope collaborator — this is the minimal faithful stand-in.
package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
)

// Signer is the strategy interface spec.md §9 calls for at the signing
// customization point.
type Signer interface {
	// Sign returns the X-Hub-Signature header value for payload under key,
	// e.g. "sha1=deadbeef...". An empty key means "no signature" and Sign
	// returns "".
	Sign(key string, payload []byte) string
}

// HMACSHA1Signer is the default Signer, matching the wire format spec.md §6
// requires: "sha1=<hex>".
type HMACSHA1Signer struct{}

func (HMACSHA1Signer) Sign(key string, payload []byte) string {
	if key == "" {
		return ""
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(payload)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
