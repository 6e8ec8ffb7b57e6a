// Package policy defines the placement-policy contract shared by CAMEO,
// MemPod, and VG (spec §4.2). Every concrete policy package
// (internal/policy/cameo, .../mempod, .../vg) implements this interface;
// internal/controller holds exactly one of them, selected at construction —
// the Go port never reintroduces the source's compile-time macro soup
// (spec §9 design note, Open Question).
package policy

import "github.com/hybridmem/hmsim/internal/rrqueue"

// Kind distinguishes the two memory operation types a policy tracks.
type Kind uint8

const (
	Read Kind = iota
	Write
)

// Stats is the subset of per-policy counters every implementation exposes
// to the statistics sink (spec §9 design note: "plain observer"). Every
// concrete policy keeps one of these and reports exactly these fields.
type Stats struct {
	TrackedAccesses           uint64
	RemappingRequestsIssued   uint64
	RemappingRequestsCommitted uint64
	QueueCongestion           uint64
	NoFreeSpaceForMigration   uint64
}

// Policy is the common contract every placement policy satisfies (spec
// §4.2 table). No method is ever fatal on its own: a policy that cannot
// make progress (full queue, no free space, unfit granularity) degrades by
// incrementing a diagnostic counter and still serves the access correctly
// through Translate. Only a caller passing an out-of-range PA, or calling
// CommitRemapping with no matching queued request, gets an error (spec
// §4.2.4, §7).
type Policy interface {
	// Track updates internal counters/bitmaps for one memory access and
	// may enqueue a remapping request. It MUST NOT mutate address tables.
	Track(pa uint64, kind Kind, queueBusy float64) (bool, error)

	// Translate maps a physical address to its current hardware address.
	// It is a pure function of policy state: idempotent, O(1) or
	// O(log ways).
	Translate(pa uint64) (uint64, error)

	// TranslateMeta returns the fast-tier location of this line's
	// co-located metadata entry, for policies that maintain one. ok is
	// false for policies with no such metadata (spec §4.4).
	TranslateMeta(pa uint64) (ha uint64, ok bool, err error)

	// IssueRemapping peeks (does not pop) the head of the policy's
	// remapping-request queue.
	IssueRemapping() (rrqueue.Request, bool)

	// CommitRemapping is called by the swapping unit when the head
	// request finishes executing; it updates address tables and pops
	// the queue.
	CommitRemapping() error

	// Tick advances logical time and runs the policy's periodic action, if
	// it has one (MemPod's epoch step, VG's cold-group decay sweep; CAMEO
	// does nothing). swapInFlight reports
	// whether the swapping unit currently has a request in flight, so a
	// policy that queues a request across an epoch boundary (MemPod) can
	// cancel a stale, never-started one right at that boundary rather
	// than leave it queued forever once it has moved on to a fresher pick.
	Tick(swapInFlight bool)

	// PolicyStats returns a snapshot of the shared counters.
	PolicyStats() Stats
}
