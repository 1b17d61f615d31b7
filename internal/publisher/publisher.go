package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mtmfeed/internal/bus"
	"mtmfeed/internal/instrumentation"
	"mtmfeed/internal/models"
)

// Publisher serializes snapshots and broadcasts them on the bus.
// Delivery is fire-and-forget: there is no acknowledgement and no retry.
type Publisher struct {
	bus     bus.Bus
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// New creates a publisher on top of b.
func New(b bus.Bus, logger *slog.Logger, metrics *instrumentation.Metrics) *Publisher {
	return &Publisher{
		bus:     b,
		logger:  logger.With("component", "publisher"),
		metrics: metrics,
	}
}

// Publish encodes payload as JSON and sends it on topic.
func (p *Publisher) Publish(ctx context.Context, topic models.Topic, payload any) error {
	startTime := time.Now()

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		p.record(topic, "encode_failed")
		p.logger.Error("publish_skipped", "topic", topic, "error", err)
		return fmt.Errorf("json marshal failed: %w", err)
	}

	if err := p.bus.Publish(ctx, topic, jsonBytes); err != nil {
		p.record(topic, "bus_failed")
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.record(topic, "ok")

	p.logger.Debug("snapshot_published",
		"topic", topic,
		"size_bytes", len(jsonBytes),
		"latency_ms", time.Since(startTime).Milliseconds(),
	)

	return nil
}

func (p *Publisher) record(topic models.Topic, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPublish(string(topic), outcome)
	}
}
