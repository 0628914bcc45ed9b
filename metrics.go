package crewdeck

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's instrumentation. A nil *Metrics is valid and
// records nothing, so instrumentation stays optional.
type Metrics struct {
	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	sequenceGaps   *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	queuedRequests prometheus.Counter
	replayOK       prometheus.Counter
	replayFailed   prometheus.Counter
	queueDepth     prometheus.Gauge
	cacheHits      *prometheus.CounterVec
}

// NewMetrics builds and registers the SDK collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "channel", Name: "events_received_total",
			Help: "Push events received, by channel and event name.",
		}, []string{"channel", "event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "sync", Name: "events_dropped_total",
			Help: "Push events dropped by the cross-room filter.",
		}, []string{"channel"}),
		sequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "channel", Name: "sequence_gaps_total",
			Help: "Per-room sequence discontinuities observed on pushes.",
		}, []string{"channel"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "channel", Name: "reconnects_total",
			Help: "Reconnection attempts, by channel.",
		}, []string{"channel"}),
		queuedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "offline", Name: "queued_requests_total",
			Help: "Mutating requests diverted into the offline log.",
		}),
		replayOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "offline", Name: "replay_success_total",
			Help: "Queued requests replayed and confirmed.",
		}),
		replayFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "offline", Name: "replay_failure_total",
			Help: "Replay passes halted by a failed entry.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crewdeck", Subsystem: "offline", Name: "queue_depth",
			Help: "Entries currently in the offline log.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewdeck", Subsystem: "offline", Name: "cache_hits_total",
			Help: "GET requests served from a cache namespace.",
		}, []string{"namespace"}),
	}
	reg.MustRegister(
		m.eventsReceived, m.eventsDropped, m.sequenceGaps, m.reconnects,
		m.queuedRequests, m.replayOK, m.replayFailed, m.queueDepth, m.cacheHits,
	)
	return m
}

func (m *Metrics) eventReceived(channel, event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(channel, event).Inc()
}

func (m *Metrics) eventDropped(channel string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) sequenceGap(channel string) {
	if m == nil {
		return
	}
	m.sequenceGaps.WithLabelValues(channel).Inc()
}

func (m *Metrics) reconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) requestQueued(depth int) {
	if m == nil {
		return
	}
	m.queuedRequests.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) replaySuccess(depth int) {
	if m == nil {
		return
	}
	m.replayOK.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) replayFailure() {
	if m == nil {
		return
	}
	m.replayFailed.Inc()
}

func (m *Metrics) cacheHit(namespace string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(namespace).Inc()
}
