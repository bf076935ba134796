package notify

import (
	"context"
	"errors"
	"time"

	"plugin-governor/internal/monitor"
)

// MultiSink fans one monitor out to several sinks. Samples reach only the
// sinks that store them, and purges only the sinks that retain history.
type MultiSink []monitor.Sink

func (m MultiSink) RecordAlert(alert monitor.PerformanceAlert) {
	for _, s := range m {
		s.RecordAlert(alert)
	}
}

func (m MultiSink) RecordViolation(violation monitor.QuotaViolation) {
	for _, s := range m {
		s.RecordViolation(violation)
	}
}

func (m MultiSink) RecordSample(sample monitor.Sample) {
	for _, s := range m {
		if ss, ok := s.(monitor.SampleSink); ok {
			ss.RecordSample(sample)
		}
	}
}

// Purge forwards to every Purger and returns the total removed. Every
// purger runs even if one fails.
func (m MultiSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, s := range m {
		p, ok := s.(monitor.Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, before)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

var (
	_ monitor.SampleSink = MultiSink(nil)
	_ monitor.Purger     = MultiSink(nil)
)
