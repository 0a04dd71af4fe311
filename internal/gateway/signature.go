package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signHex computes the hex-encoded HMAC-SHA256 of msg under the key
// secret.
func signHex(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClientSignature checks the signature the buyer's browser
// returns after checkout: HMAC-SHA256 over "gatewayOrderID|gatewayPaymentID".
// The compare is constant time; a mismatch returns false, never an error.
func (c *Client) VerifyClientSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := signHex(c.keySecret, []byte(gatewayOrderID+"|"+gatewayPaymentID))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWebhookSignature checks the header signature against the raw,
// unparsed request body. Callers must verify before any JSON decoding
// so canonicalization can never disagree with what was signed.
func (c *Client) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	expected := signHex(c.keySecret, rawBody)
	return hmac.Equal([]byte(expected), []byte(signature))
}
