// Package collectors implements the outbound HTTP dispatch clients that hand
// scan work to independently deployed collector processes.
package collectors

import (
	"fmt"
	"strings"
)

// Endpoint describes where one collector listens for dispatch calls.
type Endpoint struct {
	// BaseURL is the collector's root address, e.g. http://network-scanner:8200.
	BaseURL string
}

// Registry maps collector names to their network endpoints. It is built once
// from configuration and read-only afterwards.
type Registry struct {
	endpoints map[string]Endpoint
}

// NewRegistry creates a registry from a name to endpoint mapping.
func NewRegistry(endpoints map[string]Endpoint) *Registry {
	normalized := make(map[string]Endpoint, len(endpoints))
	for name, ep := range endpoints {
		ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")
		normalized[name] = ep
	}
	return &Registry{endpoints: normalized}
}

// Lookup resolves a collector name to its endpoint.
func (r *Registry) Lookup(name string) (Endpoint, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("collector %q is not registered", name)
	}
	return ep, nil
}

// Names returns the registered collector names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}
