package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/progress"
)

// PublisherSink forwards terminal item transitions to an outbound topic so
// downstream consumers learn about finished and exhausted items without
// polling the store. Non-terminal events are skipped.
type PublisherSink struct {
	publisher orchestrator.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a Publisher to the sink interface.
func NewPublisherSink(publisher orchestrator.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every terminal event in the batch. Publish failures are
// logged and skipped so one bad event cannot stall the hub; delivery here is
// best effort, the store remains the source of truth.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !evt.Kind.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			s.logger.Warn("publish terminal event failed",
				zap.String("action_type", evt.ActionType),
				zap.String("key", evt.Key),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
