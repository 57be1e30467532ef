package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall time from its creation and reports it to
// a Prometheus histogram. Grounded on this package's own timer_test.go,
// which exercises the NewTimer/Duration/ObserveDuration/
// ObserveDurationVec surface without a corresponding implementation
// file in the teacher repo.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the Timer was created. It
// may be called more than once; each call reflects time elapsed up to
// that call.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration, in seconds, on h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration, in seconds, on the
// series of v selected by labelValues.
func (t *Timer) ObserveDurationVec(v *prometheus.HistogramVec, labelValues ...string) {
	v.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
