package metrics

import "quoteflow/logger"

// DropMetric names the metric emitted when messages are lost to backpressure.
type DropMetric string

const (
	// DropMetricRouter counts broadcast messages overwritten before a lagging
	// consumer read them.
	DropMetricRouter DropMetric = "router_messages_dropped"
	// DropMetricGateway counts frames evicted from a full client queue.
	DropMetricGateway DropMetric = "gateway_frames_dropped"
)

// EmitDropMetric emits a counter for n dropped messages. Optional metadata
// (category, provider, client) is attached when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, n uint64, category, provider, client string) {
	if n == 0 {
		return
	}
	fields := logger.Fields{}
	if category != "" {
		fields["category"] = category
	}
	if provider != "" {
		fields["provider"] = provider
	}
	if client != "" {
		fields["client"] = client
	}

	switch metric {
	case DropMetricRouter:
		ObserveDropped(category, n)
	case DropMetricGateway:
		gatewayDroppedTotal.Add(float64(n))
	}
	EmitMetric(log, "backpressure", string(metric), n, "counter", fields)
}
