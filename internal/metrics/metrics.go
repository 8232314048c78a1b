package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"acqstream/internal/sampleq"
)

// Metrics holds all Prometheus metrics for the acquisition daemon.
type Metrics struct {
	PagesWritten   prometheus.Counter
	FakePages      prometheus.Counter
	ReaderSkips    *prometheus.CounterVec // labels: reader
	ProducerErrors prometheus.Counter
	RejectedFrames prometheus.Counter

	SinkScans      prometheus.Counter
	BadScans       prometheus.Counter
	Ranges         prometheus.Counter
	RangeScans     prometheus.Histogram
	Restarts       prometheus.Counter
	RestartFailure prometheus.Counter

	TriggerTransitions *prometheus.CounterVec // labels: to
	TriggerState       prometheus.Gauge       // trigger.State value

	QueueOverflows  *prometheus.CounterVec // labels: queue
	QueueSaturation *prometheus.GaugeVec   // labels: queue

	WSClients prometheus.Gauge

	SQLiteCommitDur prometheus.Histogram
	SQLiteErrors    prometheus.Counter

	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisDroppedWrites       prometheus.Counter
}

// New creates the metrics and registers them with reg (the default
// registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_pages_written_total",
			Help: "Pages committed to the shared ring",
		}),
		FakePages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_fake_pages_total",
			Help: "Placeholder pages written after producer overruns",
		}),
		ReaderSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acq_reader_skipped_pages_total",
			Help: "Pages overwritten before a reader reached them",
		}, []string{"reader"}),
		ProducerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_producer_errors_total",
			Help: "Producer read errors other than overruns",
		}),
		RejectedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_rejected_frames_total",
			Help: "Producer frames the writer refused and replaced with placeholder pages",
		}),

		SinkScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_sink_scans_total",
			Help: "Scans handed to the sink inside trigger windows",
		}),
		BadScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_bad_scans_total",
			Help: "Scans marked bad (lost or synthesized)",
		}),
		Ranges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_ranges_total",
			Help: "Trigger windows closed",
		}),
		RangeScans: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "acq_range_scans",
			Help:    "Scans per closed trigger window",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_producer_restarts_total",
			Help: "Successful producer restarts after overruns",
		}),
		RestartFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_producer_restart_failures_total",
			Help: "Failed producer restart attempts",
		}),

		TriggerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acq_trigger_transitions_total",
			Help: "Trigger state transitions by target state",
		}, []string{"to"}),
		TriggerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acq_trigger_state",
			Help: "Trigger state (0=idle, 1=armed, 2=active, 3=stopping)",
		}),

		QueueOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acq_queue_overflows_total",
			Help: "Bounded queue pushes that evicted or faked an entry",
		}, []string{"queue"}),
		QueueSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "acq_queue_saturation_pct",
			Help: "Bounded queue fill percentage (len/maxDepth * 100)",
		}, []string{"queue"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acq_ws_clients",
			Help: "Connected display WebSocket clients",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "acq_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_sqlite_commit_errors_total",
			Help: "Failed SQLite batch commits",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acq_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit was open",
		}),
		RedisDroppedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acq_redis_dropped_writes_total",
			Help: "Buffered Redis writes discarded when the local buffer was full",
		}),
	}

	reg.MustRegister(
		m.PagesWritten,
		m.FakePages,
		m.ReaderSkips,
		m.ProducerErrors,
		m.RejectedFrames,
		m.SinkScans,
		m.BadScans,
		m.Ranges,
		m.RangeScans,
		m.Restarts,
		m.RestartFailure,
		m.TriggerTransitions,
		m.TriggerState,
		m.QueueOverflows,
		m.QueueSaturation,
		m.WSClients,
		m.SQLiteCommitDur,
		m.SQLiteErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisDroppedWrites,
	)
	return m
}

// ObserveQueues copies queue saturation from a registry into the gauge.
func (m *Metrics) ObserveQueues(reg *sampleq.Registry) {
	for _, s := range reg.Stats() {
		m.QueueSaturation.WithLabelValues(s.Name).Set(s.Saturation())
	}
}
