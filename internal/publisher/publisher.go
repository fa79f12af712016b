// Package publisher emits canonical allocation events to NATS JetStream.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/metrics"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// SubjectPrefix scopes all engine events.
const SubjectPrefix = "evt.allocation"

// Publisher wraps a NATS connection with JetStream publishing.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	service string
	logger  *zap.Logger
}

// New creates a Publisher with JetStream enabled.
func New(nc *nats.Conn, service string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	return &Publisher{nc: nc, js: js, service: service, logger: logger}, nil
}

// PublishAllocation wraps an allocation event in the canonical envelope and
// publishes it under evt.allocation.<eventType>.v1.
func (p *Publisher) PublishAllocation(ctx context.Context, eventType string, ev model.AllocationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal allocation event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.v1", SubjectPrefix, eventType)
	env := model.Envelope{
		ID:            uuid.New(),
		CorrelationID: ev.RequestID,
		Topic:         subject,
		EventType:     eventType,
		Version:       "v1",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	return p.publish(ctx, subject, env)
}

// PublishPoolSummary emits the sweeper's pool depth report.
func (p *Publisher) PublishPoolSummary(ctx context.Context, ev model.PoolSummaryEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal pool summary: %w", err)
	}
	subject := "evt.pool.summary.v1"
	env := model.Envelope{
		ID:        uuid.New(),
		Topic:     subject,
		EventType: "pool.summary",
		Version:   "v1",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	return p.publish(ctx, subject, env)
}

func (p *Publisher) publish(_ context.Context, subject string, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	if _, err := p.js.PublishMsg(msg); err != nil {
		metrics.NATSPublishErrors.WithLabelValues(subject).Inc()
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType))
	return nil
}
