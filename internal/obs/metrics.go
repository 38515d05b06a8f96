package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradegate"

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	FramesIn          *prometheus.CounterVec
	FramesOut         *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	CodecFailures     *prometheus.CounterVec
	Throttled         *prometheus.CounterVec
	Responses         *prometheus.CounterVec
	BusDelivered      *prometheus.CounterVec
	BusDropped        *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionsExpired   prometheus.Counter
	SchedulerRuns     prometheus.Counter
	SchedulerFailures prometheus.Counter
	ClientReconnects  prometheus.Counter
	RequestTimeouts   prometheus.Counter
	RequestLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_in_total",
			Help:      "Frames read from peers",
		}, []string{"frame"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_out_total",
			Help:      "Frames written to peers",
		}, []string{"frame"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching a peer or the bus",
		}, []string{"reason"}),
		CodecFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "codec_failures_total",
			Help:      "Pipeline failures by stage and direction",
		}, []string{"stage", "direction"}),
		Throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"category"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "responses_total",
			Help:      "Responses sent by status",
		}, []string{"status"}),
		BusDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "delivered_total",
			Help:      "Messages handed to a component handler",
		}, []string{"destination"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped by mailbox overflow",
		}, []string{"destination"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked",
		}, []string{"destination"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions_active",
			Help:      "Sessions currently connected",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions_expired_total",
			Help:      "Sessions expired by idle timeout",
		}),
		SchedulerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Job actions executed",
		}),
		SchedulerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "failures_total",
			Help:      "Job actions that returned an error or panicked",
		}),
		ClientReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Client reconnect attempts",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_timeouts_total",
			Help:      "Client requests that expired without a response",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of answered client requests",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesIn, m.FramesOut, m.FramesDropped, m.CodecFailures,
			m.Throttled, m.Responses,
			m.BusDelivered, m.BusDropped, m.HandlerFailures,
			m.SessionsActive, m.SessionsExpired,
			m.SchedulerRuns, m.SchedulerFailures,
			m.ClientReconnects, m.RequestTimeouts, m.RequestLatency,
		)
	}
	return m
}

func (m *Metrics) IncFrameIn(frame string) {
	if m == nil {
		return
	}
	m.FramesIn.WithLabelValues(frame).Inc()
}

func (m *Metrics) IncFrameOut(frame string) {
	if m == nil {
		return
	}
	m.FramesOut.WithLabelValues(frame).Inc()
}

func (m *Metrics) IncFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCodecFailure(stage, direction string) {
	if m == nil {
		return
	}
	m.CodecFailures.WithLabelValues(stage, direction).Inc()
}

func (m *Metrics) IncThrottled(category string) {
	if m == nil {
		return
	}
	m.Throttled.WithLabelValues(category).Inc()
}

func (m *Metrics) IncResponse(status string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(status).Inc()
}

func (m *Metrics) IncDelivered(destination string) {
	if m == nil {
		return
	}
	m.BusDelivered.WithLabelValues(destination).Inc()
}

func (m *Metrics) IncBusDropped(destination string) {
	if m == nil {
		return
	}
	m.BusDropped.WithLabelValues(destination).Inc()
}

func (m *Metrics) IncHandlerFailure(destination string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(destination).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) IncSessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpired.Inc()
}

func (m *Metrics) IncSchedulerRun(failed bool) {
	if m == nil {
		return
	}
	m.SchedulerRuns.Inc()
	if failed {
		m.SchedulerFailures.Inc()
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ClientReconnects.Inc()
}

func (m *Metrics) IncRequestTimeout() {
	if m == nil {
		return
	}
	m.RequestTimeouts.Inc()
}

func (m *Metrics) ObserveRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestLatency.Observe(d.Seconds())
}

// LatencyStats aggregates duration samples in nanoseconds without locks.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
