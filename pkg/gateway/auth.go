package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on plain HTTP requests.
const SecretHeader = "X-Agentd-Secret"

// AuthHandler checks requests against the shared secret.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Authenticate accepts the secret as a bearer token or in SecretHeader.
// Browser WebSocket clients cannot set headers, so a stream request may
// instead sign its session id and pass the signature as a query parameter.
func (a *AuthHandler) Authenticate(r *http.Request) bool {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return a.matches(strings.TrimSpace(token))
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return a.matches(secret)
	}
	if sig := r.URL.Query().Get("signature"); sig != "" {
		return a.VerifySignature(r.URL.Query().Get("session_id"), sig)
	}
	return false
}

func (a *AuthHandler) matches(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Sign returns the hex HMAC-SHA256 of payload under the shared secret.
func (a *AuthHandler) Sign(payload string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature of payload.
func (a *AuthHandler) VerifySignature(payload, signature string) bool {
	if payload == "" {
		return false
	}
	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(a.Sign(payload)), []byte(signature)) == 1
}
