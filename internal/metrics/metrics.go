// Package metrics exposes the service's prometheus instrumentation: a
// per-(project, status) gauge of event counts and a counter of events
// delivered to subscribers per category.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triplestream/eventlog/internal/events"
)

const namespace = "eventlog"

type (
	// StatusGauges tracks how many events each project has in each status.
	// Synced from the database at startup, then kept current by delta
	// updates as statuses change.
	StatusGauges struct {
		vec *prometheus.GaugeVec
	}

	// SentEvents counts events delivered to subscribers per egress category.
	SentEvents struct {
		vec *prometheus.CounterVec
	}
)

// NewStatusGauges creates the events gauge and registers it with reg.
// Tests pass a private prometheus.NewRegistry(); the service binary passes
// prometheus.DefaultRegisterer so the vec is served by Handler.
func NewStatusGauges(reg prometheus.Registerer) *StatusGauges {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_count",
		Help:      "Number of events per project and status.",
	}, []string{"project", "status"})

	reg.MustRegister(vec)

	return &StatusGauges{vec: vec}
}

// Sync replaces the whole gauge state with the given per-project counts.
func (g *StatusGauges) Sync(counts map[string]map[events.Status]int) {
	g.vec.Reset()

	for slug, byStatus := range counts {
		for status, count := range byStatus {
			g.vec.WithLabelValues(slug, string(status)).Set(float64(count))
		}
	}
}

// SyncProject replaces one project's series with the given counts.
func (g *StatusGauges) SyncProject(slug string, counts map[events.Status]int) {
	g.vec.DeletePartialMatch(prometheus.Labels{"project": slug})

	for status, count := range counts {
		g.vec.WithLabelValues(slug, string(status)).Set(float64(count))
	}
}

// Increment adds one event to a project/status series.
func (g *StatusGauges) Increment(slug string, status events.Status) {
	g.vec.WithLabelValues(slug, string(status)).Inc()
}

// Change moves n events of a project from one status to another.
func (g *StatusGauges) Change(slug string, from, to events.Status, n int) {
	if n == 0 || from == to {
		return
	}

	g.vec.WithLabelValues(slug, string(from)).Sub(float64(n))
	g.vec.WithLabelValues(slug, string(to)).Add(float64(n))
}

// NewSentEvents creates the sent-events counter and registers it with reg.
func NewSentEvents(reg prometheus.Registerer) *SentEvents {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sent_events_total",
		Help:      "Events delivered to subscribers, by category.",
	}, []string{"category"})

	reg.MustRegister(vec)

	return &SentEvents{vec: vec}
}

// Mark counts one delivered event for the category.
func (c *SentEvents) Mark(category events.Category) {
	c.vec.WithLabelValues(string(category)).Inc()
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
