// Package metrics holds the bridge's prometheus collectors. All collectors
// live on a private registry exposed through Handler. Helper methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/intelbridge/internal/registry"
)

const namespace = "intelbridge"

// Drop reasons.
const (
	ReasonUnknownSuffix  = "unknown_suffix"
	ReasonMalformed      = "malformed"
	ReasonUnexpectedKind = "unexpected_kind"
	ReasonNoRecipient    = "no_recipient"
	ReasonFiltered       = "filtered"
	ReasonTransport      = "transport"
	ReasonSlowConsumer   = "slow_consumer"
	ReasonBusFull        = "bus_full"
	ReasonOutboxClosed   = "outbox_closed"
)

// Metrics is the full collector set.
type Metrics struct {
	reg *prometheus.Registry

	Sessions          prometheus.Gauge
	ManageRequests    *prometheus.CounterVec // action, status
	TokenCollisions   prometheus.Counter
	MessagesOut       *prometheus.CounterVec // kind
	MessagesIn        *prometheus.CounterVec // kind
	Dropped           *prometheus.CounterVec // reason
	SnapshotRequests  prometheus.Counter
	SnapshotEnvelopes *prometheus.CounterVec // outcome
	SnapshotClosed    *prometheus.CounterVec // state
	JournalAppends    *prometheus.CounterVec // class
	JournalTrimmed    prometheus.Counter
	StorageLatency    *prometheus.HistogramVec // op
	StorageBytes      *prometheus.CounterVec   // op
}

// New builds and registers every collector, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Pending and active app sessions.",
		}),
		ManageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "manage_requests_total",
			Help: "Management requests by action and status.",
		}, []string{"action", "status"}),
		TokenCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_collisions_total",
			Help: "Tokens regenerated because they were already held.",
		}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_out_total",
			Help: "Token-tagged messages written to apps.",
		}, []string{"kind"}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_in_total",
			Help: "Messages received from apps.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Data-plane messages dropped, by reason.",
		}, []string{"reason"}),
		SnapshotRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_requests_total",
			Help: "Snapshot requests started.",
		}),
		SnapshotEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_envelopes_total",
			Help: "Snapshot envelopes by outcome.",
		}, []string{"outcome"}),
		SnapshotClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_requests_closed_total",
			Help: "Snapshot requests closed, by final state.",
		}, []string{"state"}),
		JournalAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_appends_total",
			Help: "Bus messages recorded in the journal.",
		}, []string{"class"}),
		JournalTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_trimmed_total",
			Help: "Journal entries removed by retention.",
		}),
		StorageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "storage_op_seconds",
			Help:    "Pebble operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"op"}),
		StorageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_bytes_total",
			Help: "Bytes moved through pebble.",
		}, []string{"op"}),
	}
	m.reg.MustRegister(
		m.Sessions, m.ManageRequests, m.TokenCollisions, m.MessagesOut, m.MessagesIn,
		m.Dropped, m.SnapshotRequests, m.SnapshotEnvelopes, m.SnapshotClosed,
		m.JournalAppends, m.JournalTrimmed, m.StorageLatency, m.StorageBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Drop counts a dropped data-plane message.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Out(kind string) {
	if m == nil {
		return
	}
	m.MessagesOut.WithLabelValues(kind).Inc()
}

func (m *Metrics) In(kind string) {
	if m == nil {
		return
	}
	m.MessagesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) Manage(action, status string) {
	if m == nil {
		return
	}
	m.ManageRequests.WithLabelValues(action, status).Inc()
}

func (m *Metrics) Collision() {
	if m == nil {
		return
	}
	m.TokenCollisions.Inc()
}

func (m *Metrics) SnapshotStarted() {
	if m == nil {
		return
	}
	m.SnapshotRequests.Inc()
}

func (m *Metrics) Envelope(outcome string) {
	if m == nil {
		return
	}
	m.SnapshotEnvelopes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SnapshotDone(state string) {
	if m == nil {
		return
	}
	m.SnapshotClosed.WithLabelValues(state).Inc()
}

func (m *Metrics) Journaled(class string) {
	if m == nil {
		return
	}
	m.JournalAppends.WithLabelValues(class).Inc()
}

func (m *Metrics) Trimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JournalTrimmed.Add(float64(n))
}

// SessionInserted and SessionRemoved make Metrics a registry.Observer.
func (m *Metrics) SessionInserted(registry.Session) {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionRemoved(registry.Session) {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

// StorageHook adapts Metrics to the pebble store's MetricsHook.
type StorageHook struct{ M *Metrics }

func (h StorageHook) ObserveWrite(elapsed time.Duration, bytes int) {
	h.observe("write", elapsed, bytes)
}

func (h StorageHook) ObserveRead(elapsed time.Duration, bytes int) {
	h.observe("read", elapsed, bytes)
}

func (h StorageHook) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	h.observe("commit", elapsed, bytes)
}

func (h StorageHook) observe(op string, elapsed time.Duration, bytes int) {
	if h.M == nil {
		return
	}
	h.M.StorageLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	h.M.StorageBytes.WithLabelValues(op).Add(float64(bytes))
}
