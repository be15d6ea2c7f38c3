package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const relayNamespace = "studio"

// message counter kinds
const (
	MessageForwarded         = "forwarded"
	MessageUpstreamBroadcast = "upstream_broadcast"
	MessageSetupSuppressed   = "setup_suppressed"
	MessageDropped           = "dropped"
)

var (
	sessionCurrent atomic.Int32
	clientCurrent  atomic.Int32

	promSessionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: "session",
		Name:      "total",
	})
	promClientCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: "client",
		Name:      "total",
	})
	promMessageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: "message",
		Name:      "counter",
	}, []string{"kind"})
	promUpstreamConnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: "upstream",
		Name:      "connect_counter",
	}, []string{"status"})
)

// Init registers the relay metrics with the default registry. Metrics are
// usable before Init; they are just not exported.
func Init() {
	prometheus.MustRegister(promSessionCurrent)
	prometheus.MustRegister(promClientCurrent)
	prometheus.MustRegister(promMessageCounter)
	prometheus.MustRegister(promUpstreamConnectCounter)
}

func AddSession() {
	promSessionCurrent.Set(float64(sessionCurrent.Inc()))
}

func SubSession() {
	promSessionCurrent.Set(float64(sessionCurrent.Dec()))
}

func AddClient() {
	promClientCurrent.Set(float64(clientCurrent.Inc()))
}

func SubClient() {
	promClientCurrent.Set(float64(clientCurrent.Dec()))
}

func IncMessage(kind string) {
	promMessageCounter.WithLabelValues(kind).Inc()
}

func IncUpstreamConnect(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	promUpstreamConnectCounter.WithLabelValues(status).Inc()
}
