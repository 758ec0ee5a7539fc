package nats

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/common/middleware"
)

func TestToNATS_PropagatesRequestID(t *testing.T) {
	ctx := middleware.WithRequestID(context.Background(), "req-1")
	msg := toNATS(ctx, &messaging.Message{Subject: messaging.SubjectEventsNewIncident, Data: []byte("{}")})

	assert.Equal(t, messaging.SubjectEventsNewIncident, msg.Subject)
	assert.Equal(t, "req-1", msg.Header.Get(messaging.HeaderRequestID))
}

func TestToNATS_ExplicitHeaderWins(t *testing.T) {
	ctx := middleware.WithRequestID(context.Background(), "req-ctx")
	msg := toNATS(ctx, &messaging.Message{
		Subject:  "x",
		Metadata: map[string]string{messaging.HeaderRequestID: "req-explicit"},
	})
	assert.Equal(t, "req-explicit", msg.Header.Get(messaging.HeaderRequestID))
}

func TestFromNATS(t *testing.T) {
	in := &nats.Msg{Subject: "incidents.jobs.sanitize", Data: []byte(`{"datasource_id":1}`), Reply: "_INBOX.1", Header: nats.Header{}}
	in.Header.Set("Trace", "abc")

	out := fromNATS(in)
	assert.Equal(t, "incidents.jobs.sanitize", out.Subject)
	assert.Equal(t, "_INBOX.1", out.Reply)
	assert.Equal(t, "abc", out.Metadata["Trace"])
	assert.False(t, out.Timestamp.IsZero())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
}
