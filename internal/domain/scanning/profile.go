package scanning

// PortRange bounds one contiguous span of TCP ports to probe.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ResourceLimits caps the load a single collector may generate while sweeping.
type ResourceLimits struct {
	MaxConcurrentProbes int     `json:"max_concurrent_probes,omitempty"`
	MaxBandwidthKbps    int     `json:"max_bandwidth_kbps,omitempty"`
	RequestsPerSecond   float64 `json:"requests_per_second,omitempty"`
}

// ProfileSnapshot is an immutable copy of the scan configuration captured at
// run creation time. Later profile edits cannot retroactively alter a running
// scan: the run owns its own copy, not a live reference.
type ProfileSnapshot struct {
	ProfileID         string         `json:"profile_id"`
	Name              string         `json:"name"`
	Subnets           []string       `json:"subnets"`
	PortRanges        []PortRange    `json:"port_ranges"`
	EnabledCollectors []string       `json:"enabled_collectors"`
	Limits            ResourceLimits `json:"limits"`
}

// HasCollectors reports whether the snapshot enables at least one collector.
func (p ProfileSnapshot) HasCollectors() bool { return len(p.EnabledCollectors) > 0 }
