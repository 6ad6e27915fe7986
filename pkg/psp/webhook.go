package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a webhook signature does not match.
var ErrBadSignature = errors.New("webhook signature mismatch")

// Event is the provider's webhook envelope: {id, type, data:{object:{...}}}.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// Sign computes the hex HMAC-SHA256 of the raw payload. Used by tests and
// by the stub provider.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider signature header against the raw
// request body. Verification is a precondition to parsing: an event with a
// bad signature must never reach the reconciliation engine.
func VerifySignature(secret, payload []byte, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// ParseEvent verifies the signature and decodes the envelope.
func ParseEvent(secret, payload []byte, signature string) (Event, error) {
	if err := VerifySignature(secret, payload, signature); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("psp: decode webhook: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, fmt.Errorf("psp: webhook missing id or type")
	}
	return ev, nil
}
