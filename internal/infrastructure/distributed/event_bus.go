package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/pkg/circuitbreaker"
	"vidrelay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel carries connection lifecycle events between relay nodes.
const DefaultChannel = "vidrelay:events"

// EventBus publishes connection lifecycle events on a Redis channel and
// lets a node observe events published by its peers. Publishing goes through
// a circuit breaker so an unreachable Redis costs one fast failure per event
// instead of a dial timeout.
type EventBus struct {
	client  redis.UniversalClient
	nodeID  string
	channel string
	breaker *circuitbreaker.CircuitBreaker
	resub   retry.Config
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewEventBus creates a new event bus
func NewEventBus(
	client redis.UniversalClient,
	nodeID string,
	channel string,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxRequestsHalfOpen: 1,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event bus publisher state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &EventBus{
		client:  client,
		nodeID:  nodeID,
		channel: channel,
		breaker: breaker,
		resub: retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		logger: logger,
		now:    time.Now,
	}
}

// PublishLifecycle implements ports.EventPublisher.
func (eb *EventBus) PublishLifecycle(ctx context.Context, event domain.LifecycleEvent) error {
	event.NodeID = eb.nodeID
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published lifecycle event",
		"type", event.Type,
		"connection_id", event.ConnectionID,
		"role", event.Role,
	)

	return nil
}

// Subscribe delivers events from other nodes to handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.LifecycleEvent) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

// Listen runs Subscribe until ctx is done, resubscribing with backoff when
// the subscription drops.
func (eb *EventBus) Listen(ctx context.Context, handler func(domain.LifecycleEvent) error) {
	_ = retry.Do(ctx, eb.resub, func() error {
		err := eb.Subscribe(ctx, handler)
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		if err == nil {
			err = fmt.Errorf("subscription to %s closed", eb.channel)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		eb.logger.Warnw("event bus subscription lost",
			"channel", eb.channel,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
	})
}

func (eb *EventBus) dispatch(payload string, handler func(domain.LifecycleEvent) error) {
	var event domain.LifecycleEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	// Skip events from this node
	if event.NodeID == eb.nodeID {
		return
	}

	if err := handler(event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"node_id", event.NodeID,
			"error", err,
		)
	}
}
