package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Fanout publishes each event to every publisher in order. A failing
// publisher is logged and does not stop the others.
type Fanout struct {
	publishers []Publisher
	logger     zerolog.Logger
}

func NewFanout(logger zerolog.Logger, publishers ...Publisher) *Fanout {
	var active []Publisher
	for _, p := range publishers {
		if p != nil {
			active = append(active, p)
		}
	}
	return &Fanout{publishers: active, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			f.logger.Warn().Err(err).
				Str("event_type", event.Type).
				Str("department_id", event.DepartmentID).
				Msg("publish event failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
