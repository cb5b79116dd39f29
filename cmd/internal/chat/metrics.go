package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's counters. All fields are optional; a nil Metrics
// disables instrumentation.
type Metrics struct {
	Sends         prometheus.Counter
	SendFailures  prometheus.Counter
	Retries       prometheus.Counter
	InboundEvents prometheus.Counter
	DroppedFrames prometheus.Counter
	Rollbacks     prometheus.Counter
	CatchUps      prometheus.Counter
}

// NewMetrics registers the engine counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sends: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_sends_total",
			Help: "Messages handed to the network collaborator.",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_send_failures_total",
			Help: "Sends that ended in a failed message state.",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_send_retries_total",
			Help: "Manual retries of failed sends.",
		}),
		InboundEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_inbound_events_total",
			Help: "Transport events applied to the store.",
		}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_dropped_frames_total",
			Help: "Inbound frames dropped as malformed or unknown.",
		}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_rollbacks_total",
			Help: "Optimistic mutations rolled back after terminal failures.",
		}),
		CatchUps: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_engine_catchups_total",
			Help: "Conversation-list reloads triggered by reconnects.",
		}),
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
