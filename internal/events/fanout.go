package events

import (
	"context"
	"errors"
)

// Fanout publishes each event to every wrapped publisher.
type Fanout []Publisher

// Publish implements Publisher. Every publisher is attempted; failures are joined.
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
