// Package diag carries the directory's observability side-channel: leak
// reports synthesized at owner teardown, and the runtime-tunable settings
// that gate them. Nothing in this package ever gates correctness; a sink
// that drops every report changes no directory behavior.
package diag

import (
	"context"
	"io"
	"log/slog"

	"github.com/hostside/dispatchdir/internal/callstack"
)

// Kind classifies what leaked.
type Kind string

const (
	KindEventListener  Kind = "event-listener"
	KindServiceBinding Kind = "service-binding"
)

// LeakReport describes one listener that was still registered when its owner
// was torn down.
type LeakReport struct {
	Kind     Kind
	Owner    string
	Listener string

	// RegisteredAt points at the call site that created the registration.
	RegisteredAt callstack.Trace
}

// Sink receives leak reports. Implementations must tolerate concurrent calls
// and must not block for long; reporting happens on the teardown path.
type Sink interface {
	ReportLeak(ctx context.Context, report LeakReport)
}

// SlogSink logs each report at error level.
type SlogSink struct {
	log *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink returns a sink writing to log, or to a discard logger when log
// is nil.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) ReportLeak(ctx context.Context, report LeakReport) {
	s.log.ErrorContext(ctx, "listener leaked",
		slog.String("kind", string(report.Kind)),
		slog.String("owner", report.Owner),
		slog.String("listener", report.Listener),
		slog.String("registered_at", report.RegisteredAt.String()),
	)
}
