package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	probeLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tethercloak_probe_latency_ms",
		Help: "Average TCP probe latency of the last health sample",
	})
	probeLoss = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tethercloak_probe_loss_pct",
		Help: "Probe loss percentage of the last health sample",
	})
	bypassIntegrity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tethercloak_bypass_integrity_pct",
		Help: "Percentage of bypass layers whose verify operation passed",
	})
	connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tethercloak_connection_state",
		Help: "Connection state machine position (0=disconnected ... 5=error_recovery)",
	})
)

func observeSample(s Sample) {
	probeLatency.Set(float64(s.LatencyMS))
	probeLoss.Set(s.LossPct)
	bypassIntegrity.Set(float64(s.Integrity))
}

// SetConnectionState mirrors the state machine position into the
// metrics surface.
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// ServeMetrics registers the gauges and blocks serving /metrics.
func ServeMetrics(addr string) error {
	prometheus.MustRegister(probeLatency)
	prometheus.MustRegister(probeLoss)
	prometheus.MustRegister(bypassIntegrity)
	prometheus.MustRegister(connectionState)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logrus.Infof("[Health] metrics endpoint up on %s", addr)
	return http.ListenAndServe(addr, mux)
}
