// Package observability carries protocol events out of the bus, correlator,
// registry and dispatch layers. Levels use OpenTelemetry SeverityNumbers and
// events carry the trace and span ids of the envelope they describe, so an
// OTel log bridge can forward them unchanged.
package observability

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Level is an event severity on the OTel SeverityNumber scale.
type Level int

const (
	LevelVerbose Level = 5  // DEBUG range 5-8
	LevelInfo    Level = 9  // INFO range 9-12
	LevelWarning Level = 13 // WARN range 13-16
	LevelError   Level = 17 // ERROR range 17-20
)

func (l Level) String() string {
	switch {
	case l <= 4:
		return "TRACE"
	case l <= 8:
		return "DEBUG"
	case l <= 12:
		return "INFO"
	case l <= 16:
		return "WARN"
	case l <= 20:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// SlogLevel returns the slog level an event of this severity is logged at.
func (l Level) SlogLevel() slog.Level {
	switch {
	case l <= 8:
		return slog.LevelDebug
	case l <= 12:
		return slog.LevelInfo
	case l <= 16:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// EventType names an event, dotted by layer: "bus.publish",
// "correlate.timeout", "registry.bind".
type EventType string

// Event is one protocol occurrence. TraceID and SpanID are empty for events
// that are not about an envelope, such as registry changes.
type Event struct {
	Type      EventType
	Level     Level
	Timestamp time.Time
	Source    string
	TraceID   string
	SpanID    string
	Data      map[string]any
}

// Attrs flattens the event into slog attributes: source first, then the
// trace identifiers when set, then Data in key order.
func (e Event) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(e.Data)+3)
	attrs = append(attrs, slog.String("source", e.Source))
	if e.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", e.SpanID))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		attrs = append(attrs, slog.Any(k, e.Data[k]))
	}
	return attrs
}

// Observer receives events. Implementations must be safe for concurrent use;
// the bus calls OnEvent from every subscription goroutine.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}
