package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
)

// Publisher mirrors notify.Publisher to avoid an import cycle.
type Publisher interface {
	Publish(ctx context.Context, userID string, env event.Envelope) error
}

// ProtectedPublisher fails fast while the wrapped publisher is considered down.
type ProtectedPublisher struct {
	inner   Publisher
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedPublisher routes every publish through breaker.
func NewProtectedPublisher(inner Publisher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPublisher {
	return &ProtectedPublisher{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Publish forwards to the inner publisher unless the breaker is open.
func (p *ProtectedPublisher) Publish(ctx context.Context, userID string, env event.Envelope) error {
	err := p.breaker.Execute(func() error {
		return p.inner.Publish(ctx, userID, env)
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Debug("publish skipped, circuit open",
			zap.String("breaker", p.breaker.Name()),
			zap.String("user_id", userID),
			zap.String("event", env.Event),
		)
		return fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.Name())
	}
	return err
}

func (p *ProtectedPublisher) Breaker() *CircuitBreaker {
	return p.breaker
}
