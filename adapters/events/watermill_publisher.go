package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

const (
	TopicAudit      = "tollgate.audit"
	TopicReputation = "tollgate.reputation"
)

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishAudit publishes a security audit event
func (p *WatermillPublisher) PublishAudit(ctx context.Context, event core.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	return p.publish(ctx, TopicAudit, event.ID, string(event.Action), event)
}

// PublishReputation asks the reputation awarder to score an event
func (p *WatermillPublisher) PublishReputation(ctx context.Context, event core.ReputationEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	return p.publish(ctx, TopicReputation, uuid.New().String(), string(event.Type), event)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, id, kind string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(id, payload)
	msg.Metadata.Set("type", kind)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
