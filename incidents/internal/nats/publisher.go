package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-incidents/common/audit"
	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// HeaderEventID carries the lifecycle event id so consumers can drop
// duplicates.
const HeaderEventID = "X-Event-ID"

// Publisher publishes lifecycle events to their incidents.events.* subject.
type Publisher struct {
	client messaging.Publisher
	signer *audit.EventSigner
}

// NewPublisher creates a new event publisher.
func NewPublisher(client messaging.Publisher) *Publisher {
	return &Publisher{client: client}
}

// WithSigner makes p attach an audit.HeaderSignature to every event.
func (p *Publisher) WithSigner(s *audit.EventSigner) *Publisher {
	p.signer = s
	return p
}

// SubjectFor returns the subject an event kind is published on.
func SubjectFor(kind models.EventKind) (string, error) {
	switch kind {
	case models.EventNewIncident:
		return messaging.SubjectEventsNewIncident, nil
	case models.EventNewIncidentType:
		return messaging.SubjectEventsNewIncidentType, nil
	case models.EventNewIncidentWithIncidentType:
		return messaging.SubjectEventsNewIncidentWithIncidentType, nil
	case models.EventIncidentReopened:
		return messaging.SubjectEventsIncidentReopened, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", kind)
	}
}

// Publish sends ev to the subject of its kind.
func (p *Publisher) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	subject, err := SubjectFor(ev.Kind)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	headers := map[string]string{HeaderEventID: ev.ID}
	if p.signer != nil {
		headers[audit.HeaderSignature] = p.signer.Sign(ev.ID, ev.OccurredAt, data)
	}
	return p.client.PublishMsg(ctx, &messaging.Message{
		Subject:  subject,
		Data:     data,
		Metadata: headers,
	})
}
