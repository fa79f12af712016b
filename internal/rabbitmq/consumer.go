// Package rabbitmq consumes allocation and requisite commands from the
// platform command bus.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/engine"
	"github.com/Checker-Finance/liquidity-engine/pkg/model"
)

// AllocationCommand asks the engine to reserve liquidity for a request.
type AllocationCommand struct {
	Request model.Request `json:"request"`
}

// TransitionCommand moves a requisite between lifecycle states.
type TransitionCommand struct {
	RequisiteID int64                `json:"requisite_id"`
	State       model.RequisiteState `json:"state"`
}

// AllocationService defines the engine surface the consumer drives.
type AllocationService interface {
	Reserve(ctx context.Context, req *model.Request) (*engine.Reservation, error)
	TransitionRequisite(ctx context.Context, id int64, to model.RequisiteState) error
}

// Consumer consumes command messages from RabbitMQ.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	service AllocationService
	env     string
	logger  *zap.Logger
	done    chan struct{}
}

// NewConsumer creates a new RabbitMQ consumer.
func NewConsumer(url, env string, service AllocationService, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		service: service,
		env:     env,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start declares the command queues and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	allocQueue := fmt.Sprintf("inbound.allocations.requested.%s", c.env)
	transitionQueue := fmt.Sprintf("inbound.requisites.transition.%s", c.env)

	if _, err := c.channel.QueueDeclare(allocQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", allocQueue, err)
	}

	if _, err := c.channel.QueueDeclare(transitionQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", transitionQueue, err)
	}

	allocMsgs, err := c.channel.Consume(allocQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", allocQueue, err)
	}

	transitionMsgs, err := c.channel.Consume(transitionQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", transitionQueue, err)
	}

	c.logger.Info("Started consuming from RabbitMQ",
		zap.String("allocQueue", allocQueue),
		zap.String("transitionQueue", transitionQueue),
	)

	go c.consumeAllocations(ctx, allocMsgs)
	go c.consumeTransitions(ctx, transitionMsgs)

	return nil
}

func (c *Consumer) consumeAllocations(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Allocation command channel closed")
				return
			}

			c.logger.Debug("Received allocation command", zap.String("body", string(msg.Body)))

			var cmd AllocationCommand
			if err := json.Unmarshal(msg.Body, &cmd); err != nil {
				c.logger.Error("Failed to unmarshal AllocationCommand", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			if _, err := c.service.Reserve(ctx, &cmd.Request); err != nil {
				// Rejections are terminal for this request: the engine has
				// already canceled it and published the failure event.
				// Requeueing would re-run an allocation for a CANCELED
				// request, so only transient transport errors come back.
				c.logger.Error("Failed to reserve allocation",
					zap.String("request_id", cmd.Request.ID.String()),
					zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			msg.Ack(false)
		}
	}
}

func (c *Consumer) consumeTransitions(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Transition command channel closed")
				return
			}

			c.logger.Debug("Received transition command", zap.String("body", string(msg.Body)))

			var cmd TransitionCommand
			if err := json.Unmarshal(msg.Body, &cmd); err != nil {
				c.logger.Error("Failed to unmarshal TransitionCommand", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			if err := c.service.TransitionRequisite(ctx, cmd.RequisiteID, cmd.State); err != nil {
				c.logger.Error("Failed to transition requisite",
					zap.Int64("requisite_id", cmd.RequisiteID),
					zap.Error(err))
				msg.Nack(false, true) // Requeue: the requisite may be soft-locked
				continue
			}

			msg.Ack(false)
		}
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	close(c.done)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
