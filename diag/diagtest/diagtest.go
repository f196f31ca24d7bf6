// Package diagtest provides a recording diag.Sink for tests.
package diagtest

import (
	"context"
	"sync"

	"github.com/hostside/dispatchdir/diag"
)

// Recorder implements diag.Sink and records every report.
type Recorder struct {
	mu      sync.Mutex
	reports []diag.LeakReport
}

var _ diag.Sink = (*Recorder)(nil)

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ReportLeak(ctx context.Context, report diag.LeakReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

// Reports returns a copy of every recorded report, in order.
func (r *Recorder) Reports() []diag.LeakReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]diag.LeakReport(nil), r.reports...)
}

// Count reports how many leaks of the given kind were recorded.
func (r *Recorder) Count(kind diag.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.Kind == kind {
			n++
		}
	}
	return n
}
