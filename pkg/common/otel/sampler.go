package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// endpointExcluder wraps a probability sampler so that spans for excluded
// HTTP routes (health checks, debug endpoints) are never recorded.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == semconv.HTTPTargetKey {
			if _, exists := ee.endpoints[attr.Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return ee.probability.ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (ee endpointExcluder) Description() string { return "endpointExcluder" }
