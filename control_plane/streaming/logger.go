package streaming

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/itskum47/FluxGuard/control_plane/observability"
)

// LogPublisher writes every event to the structured log. It is the default sink.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{
		logger: observability.OrDiscard(logger).With("component", "streaming"),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "event published",
		"event_id", ev.ID,
		"type", ev.Type,
		"service_id", ev.ServiceID,
		"data", string(data),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Info("log publisher closed")
	return nil
}
