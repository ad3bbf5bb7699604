// Package stats exposes the driver's own counters as prometheus
// metrics, a second view onto the same events the counters.Table
// already records for client polling. Wiring this in is optional: a
// Conductor with no Registry attached just skips the increments.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the driver-level prometheus counters. Construct one
// per driver instance against a dedicated prometheus.Registerer so
// multiple driver instances in one process don't collide on metric
// names.
type Registry struct {
	Errors                   prometheus.Counter
	NaksSent                 prometheus.Counter
	StatusMessagesSent       prometheus.Counter
	ClientTimeouts           prometheus.Counter
	ConductorServiceTimeouts prometheus.Counter
	PublicationsReady        prometheus.Counter
	SubscriptionsReady       prometheus.Counter
	ImagesUnavailable        prometheus.Counter
	CountersAllocated        prometheus.Counter
	UnblockedPublications    prometheus.Counter
	RetransmitsSent          prometheus.Counter
}

// New registers the driver's counters against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish alongside process metrics.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_errors_total",
			Help: "Errors surfaced by the conductor, mirroring the ERRORS system counter.",
		}),
		NaksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_nak_messages_sent_total",
			Help: "NAK messages sent by receivers on loss detection.",
		}),
		StatusMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_status_messages_sent_total",
			Help: "Status messages sent by receivers.",
		}),
		ClientTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_client_timeouts_total",
			Help: "Clients reclaimed for missing the keepalive deadline.",
		}),
		ConductorServiceTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_conductor_service_timeouts_total",
			Help: "doWork passes that exceeded the configured service interval.",
		}),
		PublicationsReady: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_publications_ready_total",
			Help: "Publications that transitioned to ready (new or ref-counted).",
		}),
		SubscriptionsReady: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_subscriptions_ready_total",
			Help: "Subscriptions that transitioned to ready.",
		}),
		ImagesUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_images_unavailable_total",
			Help: "Images that reached end of life or were reclaimed with their owning client.",
		}),
		CountersAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_counters_allocated_total",
			Help: "Counter slots allocated through ADD_COUNTER/ADD_STATIC_COUNTER.",
		}),
		UnblockedPublications: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_unblocked_publications_total",
			Help: "Blocked-publisher recoveries forced by the conductor's watchdog.",
		}),
		RetransmitsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_retransmits_sent_total",
			Help: "Datagrams actually retransmitted in response to a NAK.",
		}),
	}
}
