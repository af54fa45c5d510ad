package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "gateway",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
}, []string{"protocol"})

var inboundCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "inbound_messages_total",
	Help:      "Total number of inbound CALL messages.",
}, []string{"protocol", "action"})

var synthesizedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "synthesized_responses_total",
	Help:      "Responses built from schema defaults for unhandled actions.",
}, []string{"protocol", "action"})

var outboundCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ocpp",
	Name:      "outbound_commands_total",
	Help:      "Commands dispatched to stations.",
}, []string{"protocol", "action", "result"})

var captureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Name:      "capture_failures_total",
	Help:      "Message capture writes that failed.",
}, []string{"sink"})

func ObserveConnections(protocol string, delta int) {
	if len(protocol) == 0 {
		return
	}
	connectionsGauge.With(prometheus.Labels{"protocol": protocol}).Add(float64(delta))
}

func CountInbound(protocol, action string) {
	if len(action) == 0 {
		return
	}
	inboundCounter.With(prometheus.Labels{"protocol": protocol, "action": action}).Inc()
}

func CountSynthesized(protocol, action string) {
	if len(action) == 0 {
		return
	}
	synthesizedCounter.With(prometheus.Labels{"protocol": protocol, "action": action}).Inc()
}

func CountOutbound(protocol, action, result string) {
	if len(action) == 0 {
		return
	}
	outboundCounter.With(prometheus.Labels{"protocol": protocol, "action": action, "result": result}).Inc()
}

func CountCaptureFailure(sink string) {
	captureFailures.With(prometheus.Labels{"sink": sink}).Inc()
}
