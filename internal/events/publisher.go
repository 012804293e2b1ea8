package events

import (
	"context"
	"encoding/json"

	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// Publisher emits engine notifications. Publication is fire-and-forget:
// a failed publish is logged and counted, never propagated to the
// message path.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any)
}

// JetStreamPublisher publishes to NATS JetStream asynchronously.
type JetStreamPublisher struct {
	client *Client
	logger *logger.Logger
}

// NewPublisher creates a JetStream-backed publisher.
func NewPublisher(client *Client, log *logger.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{client: client, logger: log}
}

// Publish marshals and publishes the payload without waiting for the
// broker ack.
func (p *JetStreamPublisher) Publish(_ context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.EventPublishFailures.Inc()
		p.logger.Errorw("event marshal failed", "subject", subject, "error", err)
		return
	}

	future, err := p.client.JetStream().PublishAsync(subject, data)
	if err != nil {
		metrics.EventPublishFailures.Inc()
		p.logger.Errorw("event publish failed", "subject", subject, "error", err)
		return
	}

	go func() {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			metrics.EventPublishFailures.Inc()
			p.logger.Errorw("event publish not acked", "subject", subject, "error", err)
		}
	}()
}

// NopPublisher discards all events. Used when NATS is disabled and in
// tests.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(context.Context, string, any) {}
