package monitor

import (
	"context"
	"time"
)

// Sink receives every alert and violation the monitor raises. Calls are
// made synchronously and must not block.
type Sink interface {
	RecordAlert(alert PerformanceAlert)
	RecordViolation(violation QuotaViolation)
}

// SampleSink is a Sink that also stores metric samples
type SampleSink interface {
	Sink
	RecordSample(sample Sample)
}

// Purger is implemented by sinks that retain history and can drop it
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Collector samples a resource for the collection sweep. It receives the
// current snapshot and returns the replacement.
type Collector interface {
	Collect(ctx context.Context, current ResourceMetrics) (ResourceMetrics, error)
}

// CollectorFunc adapts a function to Collector
type CollectorFunc func(ctx context.Context, current ResourceMetrics) (ResourceMetrics, error)

func (f CollectorFunc) Collect(ctx context.Context, current ResourceMetrics) (ResourceMetrics, error) {
	return f(ctx, current)
}
