package socket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/wiremsg"
)

// Metrics holds the Prometheus collectors updated by connections.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	bytesSent      prometheus.Counter
	decodeErrors   *prometheus.CounterVec
	activeConns    prometheus.Gauge
}

// NewMetrics creates the connection metrics and registers them with reg.
// It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Subsystem: "socket",
			Name:      "frames_received_total",
			Help:      "Total frames decoded successfully",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Subsystem: "socket",
			Name:      "frames_sent_total",
			Help:      "Total frames written to connections",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Subsystem: "socket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to connections",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiremsg",
			Subsystem: "socket",
			Name:      "decode_errors_total",
			Help:      "Total frames rejected by the codec, by error kind",
		}, []string{"kind"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wiremsg",
			Subsystem: "socket",
			Name:      "active_connections",
			Help:      "Connections currently running",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesReceived, m.framesSent, m.bytesSent, m.decodeErrors, m.activeConns,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameSent(n int) {
	if m != nil {
		m.framesSent.Inc()
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) decodeError(err error) {
	if m != nil {
		m.decodeErrors.WithLabelValues(wiremsg.KindOf(err)).Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.activeConns.Dec()
	}
}
