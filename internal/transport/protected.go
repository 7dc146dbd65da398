package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/circuitbreaker"
)

// Protected wraps a Transport with a circuit breaker. While the circuit is
// open sends fail immediately with circuitbreaker.ErrCircuitOpen, which the
// classifier treats as transient.
type Protected struct {
	next    Transport
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtected wraps next with breaker.
func NewProtected(next Transport, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *Protected) Send(ctx context.Context, recipientID int64, content Content) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Debug("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.Int64("recipient_id", recipientID),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", circuitbreaker.ErrCircuitOpen, p.breaker.Name())
	}

	messageID, err := p.next.Send(ctx, recipientID, content)
	p.breaker.Record(err)
	return messageID, err
}

// Breaker returns the underlying circuit breaker for health reporting.
func (p *Protected) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
