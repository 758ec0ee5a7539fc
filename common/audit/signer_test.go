package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventSigner_Sign(t *testing.T) {
	signer := NewEventSigner("test-secret")
	occurred := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"kind":"new_incident"}`)

	signature := signer.Sign("event-123", occurred, data)
	assert.Len(t, signature, 64)
	assert.Equal(t, signature, signer.Sign("event-123", occurred, data), "signatures are deterministic")
	assert.Equal(t, signature, signer.Sign("event-123", occurred.In(time.FixedZone("CET", 3600)), data), "time zone does not matter")

	assert.NotEqual(t, signature, signer.Sign("event-124", occurred, data))
	assert.NotEqual(t, signature, signer.Sign("event-123", occurred.Add(time.Nanosecond), data))
	assert.NotEqual(t, signature, NewEventSigner("other").Sign("event-123", occurred, data))
}

func TestEventSigner_Verify(t *testing.T) {
	signer := NewEventSigner("test-secret")
	occurred := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"incident_id":7}`)
	signature := signer.Sign("event-456", occurred, data)

	tests := []struct {
		name      string
		eventID   string
		data      []byte
		signature string
		want      bool
	}{
		{name: "valid", eventID: "event-456", data: data, signature: signature, want: true},
		{name: "modified payload", eventID: "event-456", data: []byte(`{"incident_id":8}`), signature: signature},
		{name: "modified id", eventID: "event-457", data: data, signature: signature},
		{name: "bad signature", eventID: "event-456", data: data, signature: "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, signer.Verify(tt.eventID, occurred, tt.data, tt.signature))
		})
	}
}
