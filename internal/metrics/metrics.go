// Package metrics exposes fusiond's Prometheus surface: per-world gauges
// for every registry plus daemon-wide counters, scraped over /metrics.
package metrics

import (
	"net/http"

	"github.com/fusionkit/fusiond/internal/fusion"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	worldsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fusiond_worlds_open",
		Help: "Number of worlds currently allocated",
	})

	participants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_participants",
		Help: "Participants currently entered, by world",
	}, []string{"world"})

	refs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_refs",
		Help: "Live refs, by world",
	}, []string{"world"})

	skirmishes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_skirmishes",
		Help: "Live skirmishes, by world",
	}, []string{"world"})

	properties = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_properties",
		Help: "Live properties, by world",
	}, []string{"world"})

	reactors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_reactors",
		Help: "Live reactors, by world",
	}, []string{"world"})

	calls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusiond_calls",
		Help: "Live calls, by world",
	}, []string{"world"})

	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusiond_messages_delivered_total",
		Help: "Total messages delivered across all participant FIFOs",
	})

	deadlockHints = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusiond_deadlock_hints_total",
		Help: "Total advisory lock-order deadlock hints raised by skirmish acquisition",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusiond_connections_rejected_total",
		Help: "Total connections rejected by the admission guard",
	})
)

func init() {
	prometheus.MustRegister(
		worldsOpen, participants, refs, skirmishes, properties, reactors, calls,
		messagesDelivered, deadlockHints, connectionsRejected,
	)
}

// IncrementDeadlockHint counts one advisory deadlock hint. Nothing in fusiond
// calls it (no World has an OnDeadlockHint hook installed), so the counter
// stays at zero.
func IncrementDeadlockHint() { deadlockHints.Inc() }

// IncrementConnectionRejected is called whenever the admission guard turns
// a connection away.
func IncrementConnectionRejected() { connectionsRejected.Inc() }

// IncrementMessagesDelivered adds n delivered messages to the running total.
func IncrementMessagesDelivered(n int) { messagesDelivered.Add(float64(n)) }

// WorldSnapshot pairs a world's minor number with its registry counts.
type WorldSnapshot struct {
	Minor int
	Stats fusion.Stats
}

// Sample snapshots every open world's Stats into the registry's gauges. The
// caller (a periodic ticker in cmd/fusiond) decides the sampling interval.
func Sample(snapshots []WorldSnapshot) {
	worldsOpen.Set(float64(len(snapshots)))
	for _, snap := range snapshots {
		world := worldLabel(snap.Minor)
		s := snap.Stats
		participants.WithLabelValues(world).Set(float64(s.Participants))
		refs.WithLabelValues(world).Set(float64(s.Refs))
		skirmishes.WithLabelValues(world).Set(float64(s.Skirmishes))
		properties.WithLabelValues(world).Set(float64(s.Properties))
		reactors.WithLabelValues(world).Set(float64(s.Reactors))
		calls.WithLabelValues(world).Set(float64(s.Calls))
	}
}

func worldLabel(id int) string {
	return "world-" + string(rune('0'+id))
}

// Handler returns the promhttp handler to mount on the metrics listener.
func Handler() http.Handler { return promhttp.Handler() }
