package observability

import (
	"context"
	"log/slog"
)

// SlogObserver logs each event with the event type as the message.
type SlogObserver struct {
	logger *slog.Logger
}

func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	o.logger.LogAttrs(ctx, event.Level.SlogLevel(), string(event.Type), event.Attrs()...)
}
