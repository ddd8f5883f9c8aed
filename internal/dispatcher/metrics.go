package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's in-process Prometheus instrumentation: one
// counter/histogram pair per operation kind, plus a gauge tracking how many
// AIO operations are currently outstanding on the event loop's worker pool.
// This is the in-process counterpart to the OpenCensus/OpenTelemetry export
// pipeline the teacher's full product carries (see DESIGN.md for why that
// export layer itself was dropped rather than wired).
type Metrics struct {
	opTotal    *prometheus.CounterVec
	opErrors   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	aioPending prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics against the default
// Prometheus registry. Safe to call more than once per process: later calls
// share the collectors the first call registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsfuse_gateway",
			Name:      "dispatcher_ops_total",
			Help:      "Total number of dispatcher operations, by kind.",
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcsfuse_gateway",
			Name:      "dispatcher_op_errors_total",
			Help:      "Total number of dispatcher operations that returned an error, by kind and errno.",
		}, []string{"op", "errno"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gcsfuse_gateway",
			Name:      "dispatcher_op_duration_seconds",
			Help:      "Dispatcher operation latency, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		aioPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcsfuse_gateway",
			Name:      "dispatcher_aio_pending",
			Help:      "Number of AIO read/write/fsync operations currently outstanding.",
		}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			return are.ExistingCollector
		}
		return c
	}
	m.opTotal = register(m.opTotal).(*prometheus.CounterVec)
	m.opErrors = register(m.opErrors).(*prometheus.CounterVec)
	m.opDuration = register(m.opDuration).(*prometheus.HistogramVec)
	m.aioPending = register(m.aioPending).(prometheus.Gauge)
	return m
}

// observe records one completed operation of the given kind, its duration,
// and -- if non-nil -- the errno it failed with.
func (m *Metrics) observe(op string, start time.Time, errno string) {
	m.opTotal.WithLabelValues(op).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errno != "" {
		m.opErrors.WithLabelValues(op, errno).Inc()
	}
}

func (m *Metrics) aioStart() { m.aioPending.Inc() }
func (m *Metrics) aioEnd()   { m.aioPending.Dec() }

// track returns a function to be deferred at the top of every
// fuseutil.FileSystem method: `defer d.metrics.track(op, time.Now())(&err)`.
// It records the op's count, latency and (if *errp is non-nil) its errno
// once the surrounding function returns.
func (m *Metrics) track(op string, start time.Time) func(errp *error) {
	return func(errp *error) {
		errno := ""
		if errp != nil && *errp != nil {
			errno = (*errp).Error()
		}
		m.observe(op, start, errno)
	}
}
