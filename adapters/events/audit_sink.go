package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
)

// AuditAppender is the append-only audit log the sink writes to
type AuditAppender interface {
	AppendAudit(ctx context.Context, event core.AuditEvent) error
}

// AuditSink consumes audit events and appends them to the audit log.
// Writes are retried; malformed payloads are logged and dropped.
type AuditSink struct {
	router *message.Router
	logger *zap.Logger
}

// NewAuditSink builds a router consuming TopicAudit from subscriber into appender
func NewAuditSink(subscriber message.Subscriber, appender AuditAppender, logger *zap.Logger) (*AuditSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("audit-sink")
	wmLogger := NewZapLoggerAdapter(logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			Logger:          wmLogger,
		}.Middleware,
	)

	router.AddNoPublisherHandler("audit_log", TopicAudit, subscriber, func(msg *message.Message) error {
		var event core.AuditEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logger.Error("dropping malformed audit event", zap.String("message_id", msg.UUID), zap.Error(err))
			return nil
		}

		if event.ID == "" {
			event.ID = msg.UUID
		}

		return appender.AppendAudit(msg.Context(), event)
	})

	return &AuditSink{router: router, logger: logger}, nil
}

// Run consumes until ctx is cancelled
func (s *AuditSink) Run(ctx context.Context) error {
	return s.router.Run(ctx)
}

// Running is closed once the sink is subscribed
func (s *AuditSink) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the sink
func (s *AuditSink) Close() error {
	return s.router.Close()
}
