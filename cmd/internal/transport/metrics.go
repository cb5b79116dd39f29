package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connection-level events. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Reconnects   prometheus.Counter
	DialFailures prometheus.Counter
	Frames       prometheus.Counter
	DecodeErrors prometheus.Counter
	Connected    prometheus.Gauge
}

// NewMetrics registers the transport collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_transport_reconnects_total",
			Help: "Connection attempts after the first.",
		}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_transport_dial_failures_total",
			Help: "Dial or handshake failures.",
		}),
		Frames: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_transport_frames_total",
			Help: "Inbound frames decoded and delivered.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "connex_transport_decode_errors_total",
			Help: "Inbound frames dropped as undecodable.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "connex_transport_connected",
			Help: "1 while a connection is established, 0 otherwise.",
		}),
	}
}

func (m *Metrics) incReconnects() {
	if m != nil && m.Reconnects != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) incDialFailures() {
	if m != nil && m.DialFailures != nil {
		m.DialFailures.Inc()
	}
}

func (m *Metrics) incFrames() {
	if m != nil && m.Frames != nil {
		m.Frames.Inc()
	}
}

func (m *Metrics) incDecodeErrors() {
	if m != nil && m.DecodeErrors != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) setState(s State) {
	if m == nil || m.Connected == nil {
		return
	}
	if s == StateConnected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
