package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

const reputationTimeout = 5 * time.Second

// emitter sends audit and reputation events without letting their failure
// affect the request that produced them
type emitter struct {
	events ports.EventPublisher
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func newEmitter(events ports.EventPublisher, logger *zap.Logger, now func() time.Time) *emitter {
	return &emitter{events: events, logger: logger, now: now}
}

// audit publishes synchronously. A publish failure is logged with the full
// event so the record survives in the process log.
func (e *emitter) audit(ctx context.Context, event core.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}

	if e.events == nil {
		return
	}

	if err := e.events.PublishAudit(ctx, event); err != nil {
		e.logger.Error("failed to publish audit event",
			zap.String("event_id", event.ID),
			zap.String("action", string(event.Action)),
			zap.String("identity", event.Identity),
			zap.String("wallet", event.Address),
			zap.String("ip", event.IPAddress),
			zap.String("reason", string(event.Reason)),
			zap.Time("occurred_at", event.OccurredAt),
			zap.Error(err))
	}
}

// reputation publishes in the background, detached from the request context
func (e *emitter) reputation(ctx context.Context, event core.ReputationEvent) {
	if e.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}

	detached := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(detached, reputationTimeout)
		defer cancel()

		if err := e.events.PublishReputation(ctx, event); err != nil {
			e.logger.Warn("failed to publish reputation event",
				zap.String("identity", event.Identity),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		}
	}()
}

// wait blocks until background publishes finish
func (e *emitter) wait() {
	e.wg.Wait()
}
