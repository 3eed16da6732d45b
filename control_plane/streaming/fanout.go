package streaming

import (
	"context"
	"errors"
	"fmt"

	"github.com/itskum47/FluxGuard/control_plane/observability"
)

// Fanout publishes each event to every named sink. A failing sink never prevents
// delivery to the others.
type Fanout struct {
	names []string
	sinks []Publisher
}

func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink under a name used in metrics and errors.
func (f *Fanout) Add(name string, p Publisher) *Fanout {
	f.names = append(f.names, name)
	f.sinks = append(f.sinks, p)
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for i, sink := range f.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			observability.EventPublishFailures.WithLabelValues(string(ev.Type), f.names[i]).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for i, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.names[i], err))
		}
	}
	return errors.Join(errs...)
}
