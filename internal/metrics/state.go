// Package metrics records per-request latency, TTFT, and usage into the
// shared store, and exports Prometheus instrumentation. The per-deployment
// state written here is what the latency-based selector reads.
package metrics

import (
	"github.com/goccy/go-json"
)

// DeploymentState is the rolling runtime state for one deployment inside a
// group. Latency values are seconds per output token; TTFT values are
// seconds. Both windows are bounded, so a penalized deployment sheds its
// penalty after enough healthy samples.
type DeploymentState struct {
	Latency []float64 `json:"latency"`
	TTFT    []float64 `json:"ttft,omitempty"`

	// Current minute-bucket counters. MinuteKey is "YYYY-MM-DD-HH-MM"; when
	// a new bucket is observed the counters reset.
	MinuteKey string `json:"minute_key,omitempty"`
	TPM       int64  `json:"tpm"`
	RPM       int64  `json:"rpm"`

	// Active counts in-flight requests for least-busy selection.
	Active int64 `json:"active,omitempty"`
}

// GroupState maps deployment id to state; it serializes as the value of the
// "{group}_map" store key.
type GroupState map[string]*DeploymentState

// DecodeGroupState parses the stored group map, returning an empty map for
// missing or corrupt data so callers always have something usable.
func DecodeGroupState(data []byte) GroupState {
	if len(data) == 0 {
		return GroupState{}
	}
	var gs GroupState
	if err := json.Unmarshal(data, &gs); err != nil || gs == nil {
		return GroupState{}
	}
	return gs
}

// Encode serializes the group map.
func (gs GroupState) Encode() ([]byte, error) {
	return json.Marshal(gs)
}

// Ensure returns the state for id, creating it if absent.
func (gs GroupState) Ensure(id string) *DeploymentState {
	st, ok := gs[id]
	if !ok {
		st = &DeploymentState{}
		gs[id] = st
	}
	return st
}

// appendBounded appends value to window, dropping the oldest entries so the
// window never exceeds maxSize.
func appendBounded(window []float64, value float64, maxSize int) []float64 {
	if maxSize <= 0 {
		maxSize = DefaultMaxLatencyListSize
	}
	window = append(window, value)
	if len(window) > maxSize {
		window = window[len(window)-maxSize:]
	}
	return window
}
