package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/rabbitmq"
)

type published struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	rabbitmq.Publisher
	mu    sync.Mutex
	calls []published
	err   error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *publisherStub) recorded() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

func TestEventPublisher_EmitPublishesSecurityEvents(t *testing.T) {
	stub := &publisherStub{}
	p := NewEventPublisher(stub, "security_events", "queue_actions", 8, nil)

	p.Emit(context.Background(), domain.SecurityEvent{ID: "e-1", Type: domain.EventPinLocked, UserID: "u-1"})
	p.Emit(context.Background(), domain.SecurityEvent{ID: "e-2", Type: domain.EventAccountLocked, Username: "alice"})
	p.Close()

	calls := stub.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "security_events", calls[0].exchange)
	assert.Equal(t, "auth.pin_locked", calls[0].routingKey)
	assert.Equal(t, "auth.account_locked", calls[1].routingKey)
}

func TestEventPublisher_PublishFailureDoesNotReachCaller(t *testing.T) {
	stub := &publisherStub{err: errors.New("channel closed")}
	p := NewEventPublisher(stub, "security_events", "queue_actions", 8, nil)

	assert.NotPanics(t, func() {
		p.Emit(context.Background(), domain.SecurityEvent{ID: "e-1", Type: domain.EventLoginFailed})
	})
	p.Close()
	assert.Len(t, stub.recorded(), 1)
}

func TestEventPublisher_EmitAfterCloseIsDropped(t *testing.T) {
	stub := &publisherStub{}
	p := NewEventPublisher(stub, "security_events", "queue_actions", 8, nil)
	p.Close()
	p.Close()

	p.Emit(context.Background(), domain.SecurityEvent{ID: "e-1", Type: domain.EventPinReset})
	assert.Empty(t, stub.recorded())
}

func TestEventPublisher_PublishActionAuthorized(t *testing.T) {
	stub := &publisherStub{}
	p := NewEventPublisher(stub, "security_events", "queue_actions", 8, nil)
	defer p.Close()

	err := p.PublishActionAuthorized(context.Background(), domain.ActionAuthorizedEvent{
		Action:       domain.ActionQueueManagement,
		UserID:       "u-1",
		AuthorizedAt: time.Now(),
	})
	require.NoError(t, err)

	calls := stub.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "queue_actions", calls[0].exchange)
	assert.Equal(t, "action.authorized.queue_management", calls[0].routingKey)
}
