// Package statsio implements the simulator's statistics sinks (spec
// §6.4): a plain-text summary for interactive runs and a JSON document
// for scripted post-processing, both fed from the same Snapshot.
//
// Grounded on the plain_printer.cc-style end-of-run summary in
// _examples/original_source and the --json flag named in SPEC_FULL.md
// §6.1. encoding/json is used deliberately rather than an ecosystem
// library: Snapshot is a flat, already-exported struct with no custom
// marshaling needs, and nothing in the retrieved pack's dependency
// surface (logrus, yaml.v3, cobra, testify, go-cmp, x/sync) offers
// anything beyond what the standard encoder already does for that shape.
package statsio

import (
	"encoding/json"
	"fmt"
	"io"
)

// Snapshot is one point-in-time rollup of simulator counters.
type Snapshot struct {
	Ticks uint64 `json:"ticks"`

	Reads            uint64 `json:"reads"`
	Writes           uint64 `json:"writes"`
	SwapBufferHits   uint64 `json:"swap_buffer_hits"`
	DeadlockWarnings uint64 `json:"deadlock_warnings"`

	PolicyKind                 string `json:"policy_kind"`
	TrackedAccesses            uint64 `json:"tracked_accesses"`
	RemappingRequestsIssued    uint64 `json:"remapping_requests_issued"`
	RemappingRequestsCommitted uint64 `json:"remapping_requests_committed"`
	QueueCongestion            uint64 `json:"queue_congestion"`
	NoFreeSpaceForMigration    uint64 `json:"no_free_space_for_migration"`
}

// Sink is anything that can record a Snapshot at the end of a run.
type Sink interface {
	Write(s Snapshot) error
}

// TextSink renders a Snapshot as human-readable key/value lines, the
// shape a heartbeat-style CLI prints to stdout by default.
type TextSink struct {
	w io.Writer
}

// NewTextSink returns a Sink that writes formatted text to w.
func NewTextSink(w io.Writer) *TextSink { return &TextSink{w: w} }

// Write implements Sink.
func (t *TextSink) Write(s Snapshot) error {
	lines := [][2]string{
		{"ticks", fmt.Sprint(s.Ticks)},
		{"reads", fmt.Sprint(s.Reads)},
		{"writes", fmt.Sprint(s.Writes)},
		{"swap_buffer_hits", fmt.Sprint(s.SwapBufferHits)},
		{"deadlock_warnings", fmt.Sprint(s.DeadlockWarnings)},
		{"policy_kind", s.PolicyKind},
		{"tracked_accesses", fmt.Sprint(s.TrackedAccesses)},
		{"remapping_requests_issued", fmt.Sprint(s.RemappingRequestsIssued)},
		{"remapping_requests_committed", fmt.Sprint(s.RemappingRequestsCommitted)},
		{"queue_congestion", fmt.Sprint(s.QueueCongestion)},
		{"no_free_space_for_migration", fmt.Sprint(s.NoFreeSpaceForMigration)},
	}
	for _, kv := range lines {
		if _, err := fmt.Fprintf(t.w, "%-30s %s\n", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// JSONSink renders a Snapshot as a single indented JSON document.
type JSONSink struct {
	w io.Writer
}

// NewJSONSink returns a Sink that writes JSON to w.
func NewJSONSink(w io.Writer) *JSONSink { return &JSONSink{w: w} }

// Write implements Sink.
func (j *JSONSink) Write(s Snapshot) error {
	enc := json.NewEncoder(j.w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
