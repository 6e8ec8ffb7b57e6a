// Package swapunit implements the memory controller's swapping unit (spec
// §4.3): the state machine that executes one migration at a time as a
// bounded buffer of per-line read/write operations, and that interposes on
// demand traffic so reads and writes to addresses mid-swap stay correct.
//
// The free/ready-entry scan is bitmap + math/bits based, the same idiom
// Maemo32-SupraX_Legacy/proto/ooo/ooo.go uses to find ready reservation
// stations with a single TrailingZeros64 instead of a linear loop.
package swapunit

import (
	"fmt"
	"math/bits"

	"github.com/hybridmem/hmsim/internal/policy"
)

// MaxEntries is E_max from spec §4.3: the swap buffer holds at most 64
// in-flight line-pairs per active swap.
const MaxEntries = 64

// Segments is the number of sides to a swap: one line in the fast tier,
// its counterpart in the slow tier.
const Segments = 2

const lineSize = 64 // bytes per cache line (spec §3, B = 64B)

// State is the swapping unit's single enum (spec §4.3 "single instance").
type State uint8

const (
	Idle State = iota
	Swapping
)

func (s State) String() string {
	if s == Idle {
		return "Idle"
	}
	return "Swapping"
}

// CheckResult is returned by CheckRequest to tell the controller whether a
// demand access must route through the tiered back-end, or whether the
// swap buffer already has the answer.
type CheckResult uint8

const (
	NotInSwap CheckResult = iota
	InSwapServiced
	InSwapMustWait
)

// StepResult is what Step reports back to the controller so it knows
// whether to call the policy's IssueRemapping or CommitRemapping next
// (spec §4.5 item 4).
type StepResult uint8

const (
	StepIdle StepResult = iota
	StepBusy
	StepJustFinished
)

// Entry is the in-flight state of one line-pair migration (spec §3 table).
type Entry struct {
	Data        [Segments][lineSize]byte
	ReadIssued  [Segments]bool
	ReadDone    [Segments]bool
	WriteDone   [Segments]bool
	Dirty       [Segments]bool
	Finished    bool
	lineOffset  uint64 // offset of this entry's line within the active swap, in lines
}

// Unit is the swapping unit: a fixed-capacity buffer, one active swap.
type Unit struct {
	state State

	baseFast uint64 // hardware address, line granularity, segment 0
	baseSlow uint64 // hardware address, line granularity, segment 1

	entries       [MaxEntries]Entry
	occupied      uint64 // bitmap: bit i set = entries[i] is part of the active swap
	activeEntries uint8
	finishedCount uint8
}

// New returns an idle swapping unit.
func New() *Unit { return &Unit{state: Idle} }

// State reports the unit's current state.
func (u *Unit) State() State { return u.state }

// StartSwap begins a new migration of sizeLines cache lines between
// haFast and haSlow. Rejected (returns false) unless the unit is currently
// Idle (spec §4.3 "Start ... rejected unless ... Idle").
func (u *Unit) StartSwap(haFast, haSlow uint64, sizeLines uint8) bool {
	if u.state != Idle {
		return false
	}
	if sizeLines == 0 || sizeLines > MaxEntries {
		return false
	}

	u.baseFast = haFast / lineSize
	u.baseSlow = haSlow / lineSize
	u.activeEntries = sizeLines
	u.finishedCount = 0
	u.occupied = 0

	for i := uint8(0); i < sizeLines; i++ {
		u.entries[i] = Entry{lineOffset: uint64(i)}
		u.occupied |= 1 << i
	}
	u.state = Swapping
	return true
}

// UpdateSwap extends the currently active swap to newSize lines, provided
// the base addresses match and newSize grows the swap (spec §4.3
// transition "Swapping -> Swapping").
func (u *Unit) UpdateSwap(haFast, haSlow uint64, newSize uint8) bool {
	if u.state != Swapping {
		return false
	}
	if haFast/lineSize != u.baseFast || haSlow/lineSize != u.baseSlow {
		return false
	}
	if newSize <= u.activeEntries || newSize > MaxEntries {
		return false
	}

	for i := u.activeEntries; i < newSize; i++ {
		u.entries[i] = Entry{lineOffset: uint64(i)}
		u.occupied |= 1 << i
	}
	u.activeEntries = newSize
	return true
}

// lineContainsHA reports whether hardware address ha (byte granularity)
// falls inside segment seg (0 = fast side, 1 = slow side) of the active
// swap, and if so returns which entry index and the offset within it.
func (u *Unit) lineContainsHA(ha uint64) (seg int, idx uint8, ok bool) {
	if u.state != Swapping {
		return 0, 0, false
	}
	line := ha / lineSize
	if line >= u.baseFast && line < u.baseFast+uint64(u.activeEntries) {
		return 0, uint8(line - u.baseFast), true
	}
	if line >= u.baseSlow && line < u.baseSlow+uint64(u.activeEntries) {
		return 1, uint8(line - u.baseSlow), true
	}
	return 0, 0, false
}

// CheckRequest implements spec §4.3 item 4: demand traffic to an address
// under an active swap is serviced from the buffer rather than the
// back-end. For a read it returns the buffered bytes (when available); for
// a write the caller must follow up with ApplyWrite to merge the new data.
func (u *Unit) CheckRequest(ha uint64, kind policy.Kind) (CheckResult, []byte) {
	seg, idx, ok := u.lineContainsHA(ha)
	if !ok {
		return NotInSwap, nil
	}
	entry := &u.entries[idx]

	if kind == policy.Write {
		return InSwapServiced, nil
	}

	if entry.ReadDone[seg] {
		data := make([]byte, lineSize)
		copy(data, entry.Data[seg][:])
		return InSwapServiced, data
	}
	// Not yet readable from the buffer; the line is mid-flight and the
	// controller must wait rather than risk a stale back-end read.
	return InSwapMustWait, nil
}

// ApplyWrite merges newData into the buffered entry covering ha, marking
// it dirty. Per spec §4.3 item 4, a write to a finished entry un-finishes
// it so the unit re-issues the write to memory.
func (u *Unit) ApplyWrite(ha uint64, newData []byte) bool {
	seg, idx, ok := u.lineContainsHA(ha)
	if !ok {
		return false
	}
	entry := &u.entries[idx]
	copy(entry.Data[seg][:], newData)
	entry.Dirty[seg] = true
	if entry.Finished {
		entry.Finished = false
		if u.finishedCount > 0 {
			u.finishedCount--
		}
	}
	// The merged data hasn't been pushed to either backend yet: clear both
	// sides' WriteDone so Step's re-issue guard fires again and the new
	// bytes actually reach memory instead of the stale pre-write copy.
	entry.WriteDone[0] = false
	entry.WriteDone[1] = false
	return true
}

// ReadBackend and WriteBackend are the narrow interfaces Step uses to push
// bytes through the tiered memory back-end; internal/tier.Backend implements
// both on the real path, but Step only needs these two calls.
type ReadBackend interface {
	Read(ha uint64) []byte
}
type WriteBackend interface {
	Write(ha uint64, data []byte)
}

// Step advances the swap-buffer protocol by one tick (spec §4.3
// per-entry protocol): issue paired reads, once both sides have read data
// issue paired writes with the other segment's data, and track
// completion. readers/writers are indexed by segment (0 = fast, 1 = slow).
func (u *Unit) Step(readers [Segments]ReadBackend, writers [Segments]WriteBackend) StepResult {
	if u.state == Idle {
		return StepIdle
	}

	remaining := u.occupied
	for remaining != 0 {
		i := uint8(bits.TrailingZeros64(remaining))
		remaining &^= 1 << i
		entry := &u.entries[i]
		if entry.Finished {
			continue
		}

		// Each entry advances at most one phase per Step call: a tick that
		// issues the reads does not also issue the writes in the same
		// call, so a fresh swap takes (at least) two ticks to finish, one
		// per phase, matching the per-tick protocol.
		if !entry.ReadIssued[0] || !entry.ReadIssued[1] {
			for seg := 0; seg < Segments; seg++ {
				if !entry.ReadIssued[seg] {
					entry.ReadIssued[seg] = true
					base := u.baseOf(seg)
					data := readers[seg].Read((base + entry.lineOffset) * lineSize)
					copy(entry.Data[seg][:], data)
					entry.ReadDone[seg] = true
				}
			}
			continue
		}

		if entry.ReadDone[0] && entry.ReadDone[1] {
			if !entry.WriteDone[0] && !entry.WriteDone[1] {
				// Write each segment the *other* segment's data: that is the swap.
				otherBase := u.baseOf(1)
				base := u.baseOf(0)
				writers[0].Write((base+entry.lineOffset)*lineSize, entry.Data[1][:])
				writers[1].Write((otherBase+entry.lineOffset)*lineSize, entry.Data[0][:])
				entry.WriteDone[0] = true
				entry.WriteDone[1] = true
				entry.Dirty[0] = false
				entry.Dirty[1] = false
			}
			if entry.WriteDone[0] && entry.WriteDone[1] {
				entry.Finished = true
				u.finishedCount++
			}
		}
	}

	if u.finishedCount == u.activeEntries {
		u.state = Idle
		return StepJustFinished
	}
	return StepBusy
}

func (u *Unit) baseOf(seg int) uint64 {
	if seg == 0 {
		return u.baseFast
	}
	return u.baseSlow
}

// Diagnostic renders enough state for the "policy-internal invariant
// violation" abort path (spec §7) to dump something actionable.
func (u *Unit) Diagnostic() string {
	return fmt.Sprintf("swapunit: state=%s baseFast=%#x baseSlow=%#x active=%d finished=%d",
		u.state, u.baseFast*lineSize, u.baseSlow*lineSize, u.activeEntries, u.finishedCount)
}
