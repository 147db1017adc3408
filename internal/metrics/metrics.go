// Package metrics exposes runtime counters in the Prometheus format. A
// Recorder satisfies the observer interfaces of the registry, admission
// controller, wallet and fan-out hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kdapp"

// Recorder owns a private registry so tests can build independent instances.
type Recorder struct {
	registry *prometheus.Registry

	episodesActive   prometheus.Gauge
	episodesCreated  *prometheus.CounterVec
	episodesRemoved  *prometheus.CounterVec
	commandsApplied  *prometheus.CounterVec
	commandsRejected *prometheus.CounterVec

	admissionDenied *prometheus.CounterVec

	txSubmitted   *prometheus.CounterVec
	txFailed      *prometheus.CounterVec
	ledgerBalance prometheus.Gauge

	eventsDelivered prometheus.Counter
	eventsDropped   prometheus.Counter
	subscribers     prometheus.Gauge
}

// New creates a Recorder with process and Go runtime collectors attached.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		episodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "active",
			Help:      "Episodes currently tracked by the registry.",
		}),
		episodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "created_total",
			Help:      "Episodes created.",
		}, []string{"episode_type"}),
		episodesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "removed_total",
			Help:      "Episodes removed, by reason.",
		}, []string{"reason"}),
		commandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "applied_total",
			Help:      "Commands applied to episodes.",
		}, []string{"episode_type"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "rejected_total",
			Help:      "Commands and creations rejected, by error code.",
		}, []string{"code"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "denied_total",
			Help:      "Requests denied by the admission controller.",
		}, []string{"kind"}),
		txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted by the node.",
		}, []string{"kind"}),
		txFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "transactions_failed_total",
			Help:      "Transaction pipeline failures, by stage.",
		}, []string{"stage"}),
		ledgerBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "balance",
			Help:      "Unspent balance known to the ledger.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_delivered_total",
			Help:      "Events queued to subscribers.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_dropped_total",
			Help:      "Events discarded because a subscriber queue was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "subscribers",
			Help:      "Open subscriptions.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.episodesActive, r.episodesCreated, r.episodesRemoved,
		r.commandsApplied, r.commandsRejected,
		r.admissionDenied,
		r.txSubmitted, r.txFailed, r.ledgerBalance,
		r.eventsDelivered, r.eventsDropped, r.subscribers,
	)
	return r
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) EpisodeCreated(episodeType string) {
	r.episodesCreated.WithLabelValues(episodeType).Inc()
}

func (r *Recorder) EpisodesRemoved(reason string, n int) {
	r.episodesRemoved.WithLabelValues(reason).Add(float64(n))
}

func (r *Recorder) ActiveEpisodes(n int) { r.episodesActive.Set(float64(n)) }

func (r *Recorder) CommandApplied(episodeType string) {
	r.commandsApplied.WithLabelValues(episodeType).Inc()
}

func (r *Recorder) CommandRejected(code string) {
	r.commandsRejected.WithLabelValues(code).Inc()
}

func (r *Recorder) AdmissionDenied(kind string) {
	r.admissionDenied.WithLabelValues(kind).Inc()
}

func (r *Recorder) TransactionSubmitted(kind string) {
	r.txSubmitted.WithLabelValues(kind).Inc()
}

func (r *Recorder) TransactionFailed(stage string) {
	r.txFailed.WithLabelValues(stage).Inc()
}

func (r *Recorder) LedgerBalance(total uint64) { r.ledgerBalance.Set(float64(total)) }

func (r *Recorder) EventDelivered() { r.eventsDelivered.Inc() }

func (r *Recorder) EventDropped() { r.eventsDropped.Inc() }

func (r *Recorder) SubscribersChanged(n int) { r.subscribers.Set(float64(n)) }
