package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once

	routedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_router_messages_total",
		Help: "Messages routed per category",
	}, []string{"category"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_router_rejected_total",
		Help: "Messages rejected by the router for missing provider or symbol",
	}, []string{"category"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_router_dropped_total",
		Help: "Messages overwritten before a lagging consumer read them",
	}, []string{"category"})

	receivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_provider_messages_total",
		Help: "Messages received per provider",
	}, []string{"provider"})

	reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_provider_reconnects_total",
		Help: "Successful reconnects per provider",
	}, []string{"provider"})

	providerErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_provider_errors_total",
		Help: "Transport and protocol errors per provider",
	}, []string{"provider"})

	connectedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quoteflow_provider_connected",
		Help: "1 while the provider connection is open",
	}, []string{"provider"})

	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_monitor_alerts_total",
		Help: "Alerts triggered per provider",
	}, []string{"provider"})

	alertErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quoteflow_monitor_alert_errors_total",
		Help: "Alerts that could not be persisted",
	})

	gatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quoteflow_gateway_clients",
		Help: "Connected gateway clients",
	})

	gatewayDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quoteflow_gateway_dropped_total",
		Help: "Frames dropped from full client queues",
	})

	sinkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quoteflow_sink_errors_total",
		Help: "Sink delivery failures",
	}, []string{"sink"})
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			routedTotal,
			rejectedTotal,
			droppedTotal,
			receivedTotal,
			reconnectsTotal,
			providerErrorsTotal,
			connectedGauge,
			alertsTotal,
			alertErrorsTotal,
			gatewayClients,
			gatewayDroppedTotal,
			sinkErrorsTotal,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveRouted(category string)   { routedTotal.WithLabelValues(category).Inc() }
func ObserveRejected(category string) { rejectedTotal.WithLabelValues(category).Inc() }

func ObserveDropped(category string, n uint64) {
	droppedTotal.WithLabelValues(category).Add(float64(n))
}

func ObserveReceived(provider string, n int) {
	receivedTotal.WithLabelValues(provider).Add(float64(n))
}

func ObserveReconnect(provider string)     { reconnectsTotal.WithLabelValues(provider).Inc() }
func ObserveProviderError(provider string) { providerErrorsTotal.WithLabelValues(provider).Inc() }

func SetConnected(provider string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	connectedGauge.WithLabelValues(provider).Set(v)
}

func ObserveAlert(provider string) { alertsTotal.WithLabelValues(provider).Inc() }
func ObserveAlertError()           { alertErrorsTotal.Inc() }

func GatewayClientConnected()    { gatewayClients.Inc() }
func GatewayClientDisconnected() { gatewayClients.Dec() }

func ObserveSinkError(sink string) { sinkErrorsTotal.WithLabelValues(sink).Inc() }
