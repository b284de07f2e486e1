/**
 * @description
 * Bridges domain events to RabbitMQ. Security events are queued and published by a
 * background worker so a slow or missing broker never delays a login; authorized
 * secure actions are published synchronously because the caller needs to know
 * whether the queue data-access layer received them.
 *
 * @dependencies
 * - pkg/rabbitmq: publisher abstraction with a no-op fallback.
 */
package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/rabbitmq"
)

const (
	securityRoutingPrefix = "auth."
	actionRoutingPrefix   = "action.authorized."
	publishTimeout        = 5 * time.Second
)

type publishRequest struct {
	routingKey string
	event      domain.SecurityEvent
}

// EventPublisher implements domain.SecurityEventSink on top of a rabbitmq.Publisher.
type EventPublisher struct {
	publisher        rabbitmq.Publisher
	securityExchange string
	actionExchange   string
	logger           *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan publishRequest
	done   chan struct{}
}

// NewEventPublisher starts the background worker. buffer bounds how many security
// events may wait for the broker before new ones are dropped.
func NewEventPublisher(publisher rabbitmq.Publisher, securityExchange, actionExchange string, buffer int, logger *zap.Logger) *EventPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &EventPublisher{
		publisher:        publisher,
		securityExchange: securityExchange,
		actionExchange:   actionExchange,
		logger:           logger,
		queue:            make(chan publishRequest, buffer),
		done:             make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for req := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.publisher.Publish(ctx, p.securityExchange, req.routingKey, req.event); err != nil {
			p.logger.Warn("failed to publish security event",
				zap.String("routing_key", req.routingKey),
				zap.String("event_id", req.event.ID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Emit queues event for publishing and returns immediately.
func (p *EventPublisher) Emit(_ context.Context, event domain.SecurityEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	req := publishRequest{routingKey: securityRoutingPrefix + string(event.Type), event: event}
	select {
	case p.queue <- req:
	default:
		p.logger.Warn("security event queue full; dropping event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID),
		)
	}
}

// PublishActionAuthorized tells the queue data-access layer that an action passed
// its permission and PIN checks.
func (p *EventPublisher) PublishActionAuthorized(ctx context.Context, event domain.ActionAuthorizedEvent) error {
	return p.publisher.Publish(ctx, p.actionExchange, actionRoutingPrefix+event.Action, event)
}

// Close stops accepting events and waits for queued ones to be published.
func (p *EventPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
