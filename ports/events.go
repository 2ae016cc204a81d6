package ports

import (
	"context"

	"github.com/layer-3/tollgate/core"
)

// EventPublisher emits events to collaborators outside the request path
type EventPublisher interface {
	PublishAudit(ctx context.Context, event core.AuditEvent) error
	PublishReputation(ctx context.Context, event core.ReputationEvent) error
}
