package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EventBus implements the EventPublisher interface. Every event is logged;
// known event types also update metrics.
type EventBus struct {
	metrics *Metrics
}

// NewEventBus creates a new event bus. metrics may be nil.
func NewEventBus(metrics *Metrics) *EventBus {
	return &EventBus{
		metrics: metrics,
	}
}

// Publish publishes an event with the given type and data.
func (e *EventBus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	FromContext(ctx).Debug(eventType, fields...)

	if e.metrics != nil {
		e.observe(eventType, data)
	}
}

func (e *EventBus) observe(eventType string, data map[string]interface{}) {
	m := e.metrics

	switch eventType {
	case "completion.completed":
		vendor := stringValue(data["vendor"])
		m.Completions.WithLabelValues(vendor, "completed").Inc()
		m.CompletionDuration.WithLabelValues(vendor).Observe(floatValue(data["duration"]))
	case "completion.failed":
		m.Completions.WithLabelValues(stringValue(data["vendor"]), "failed").Inc()
	case "completion.cancelled":
		m.Completions.WithLabelValues(stringValue(data["vendor"]), "cancelled").Inc()
	case "completion.escalated":
		m.Escalations.WithLabelValues(stringValue(data["category"])).Inc()
	case "quota.denied":
		m.QuotaDenials.WithLabelValues(stringValue(data["scope"])).Inc()
	case "quota.recorded":
		vendor := stringValue(data["vendor"])
		provenance := "exact"
		if estimated, _ := data["estimated"].(bool); estimated {
			provenance = "estimated"
		}
		m.Tokens.WithLabelValues(vendor, "input", provenance).Add(floatValue(data["input_tokens"]))
		m.Tokens.WithLabelValues(vendor, "output", provenance).Add(floatValue(data["output_tokens"]))
	case "retrieval.searched":
		outcome := "hit"
		if floatValue(data["returned"]) == 0 {
			outcome = "empty"
		}
		m.Retrievals.WithLabelValues(outcome).Inc()
	case "retrieval.unavailable":
		m.Retrievals.WithLabelValues("unavailable").Inc()
	case "retrieval.indexed":
		m.IndexedChunks.Add(floatValue(data["chunks"]))
	case "escalation.delivered":
		m.EscalationDeliveries.WithLabelValues(stringValue(data["channel"]), "delivered").Inc()
	case "escalation.delivery_failed":
		m.EscalationDeliveries.WithLabelValues(stringValue(data["channel"]), "failed").Inc()
	case "escalation.dropped":
		m.EscalationsDropped.Inc()
	}
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func floatValue(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
