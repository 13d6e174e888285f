package notify

import (
	"context"
	"errors"

	"github.com/lalithlochan/beacon/internal/event"
)

// Publishers publishes to each member in order. Every member is tried; the
// failures are joined.
type Publishers []Publisher

// Publish calls every publisher in order, even after a failure, and joins the errors.
func (ps Publishers) Publish(ctx context.Context, userID string, env event.Envelope) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, userID, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
