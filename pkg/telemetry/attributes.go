package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys.
const (
	// Dispatch
	AttrInstanceIndex = "dispatch.instance_index"
	AttrInstanceAddr  = "dispatch.instance_addr"
	AttrProtocol      = "dispatch.protocol"
	AttrAttempt       = "dispatch.attempt"
	AttrOutcome       = "dispatch.outcome"

	// Health
	AttrProbeResult = "health.probe_result"
)

// DispatchAttributes returns the attributes describing a single dispatch attempt.
func DispatchAttributes(instanceIndex int, instanceAddr, protocol string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrInstanceIndex, instanceIndex),
		attribute.String(AttrInstanceAddr, instanceAddr),
		attribute.String(AttrProtocol, protocol),
		attribute.Int(AttrAttempt, attempt),
	}
}

// OutcomeAttributes returns the attribute recording a dispatch attempt's outcome.
func OutcomeAttributes(outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrOutcome, outcome),
	}
}

// ProbeAttributes returns the attributes describing a single health probe.
func ProbeAttributes(instanceAddr, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrInstanceAddr, instanceAddr),
		attribute.String(AttrProbeResult, result),
	}
}
