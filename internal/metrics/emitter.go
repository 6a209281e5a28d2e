package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Emitter stamps and delivers events. Emit never fails and never panics.
type Emitter struct {
	source string
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter. A nil sink discards events.
func NewEmitter(source string, sink Sink, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{source: source, sink: sink, logger: logger, now: time.Now}
}

// Emit fills in Source and Timestamp and hands e to the sink.
func (m *Emitter) Emit(ctx context.Context, e Event) {
	if m == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("metric sink panicked", "event", e.Event, "panic", fmt.Sprint(r))
		}
	}()

	e.Source = m.source
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	if err := m.sink.Write(ctx, e); err != nil {
		m.logger.Debug("metric delivery failed", "event", e.Event, "error", err)
	}
}

// Close closes the underlying sink.
func (m *Emitter) Close() error {
	if m == nil {
		return nil
	}
	return m.sink.Close()
}
