// Package audit signs outbound events so subscribers can detect tampering
// on the bus.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// HeaderSignature carries the hex HMAC of an event.
const HeaderSignature = "X-Event-Signature"

type EventSigner struct {
	secretKey []byte
}

func NewEventSigner(secretKey string) *EventSigner {
	return &EventSigner{
		secretKey: []byte(secretKey),
	}
}

// Sign returns the HMAC-SHA256 of the event id, its time and payload.
func (s *EventSigner) Sign(eventID string, occurredAt time.Time, data []byte) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(eventID))
	h.Write([]byte(occurredAt.UTC().Format(time.RFC3339Nano)))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *EventSigner) Verify(eventID string, occurredAt time.Time, data []byte, signature string) bool {
	expected := s.Sign(eventID, occurredAt, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}
