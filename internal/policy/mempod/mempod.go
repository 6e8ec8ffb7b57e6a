// Package mempod implements the MemPod placement policy (spec §4.2.2):
// epoch-driven 2KiB page swaps chosen by a Misra-Gries heavy-hitter sketch
// over recent slow-tier page accesses.
//
// Grounded on _examples/original_source/inc/ideal_single_mempod.h: the MEA
// counter set (NUMBER_MEA_COUNTER=16, MEA_COUNTER_MAX_VALUE=4),
// TIME_INTERVAL_MEMPOD_us=50 epoch length, DATA_MANAGEMENT_GRANULARITY=2048
// page size, and the swap_fm_address_itr round-robin fast-page scan all
// follow that header. The PA<->HA address_remapping_table/
// invert_address_remapping_table pair there is a plain pair of Go maps
// here, the same "identity unless overridden" convention
// internal/policy/cameo uses for its location table.
package mempod

import (
	"fmt"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/rrqueue"
)

const (
	pageSize = 2048
	lineSize = 64
	linesPerPage = pageSize / lineSize

	maxMEAEntries = 16
	maxMEACounter = 4

	defaultQueueCapacity = 4096
)

// Config parameterizes a MemPod instance.
type Config struct {
	FastBytes uint64
	SlowBytes uint64
	// EpochTicks is the number of controller ticks per MemPod epoch: at
	// 4GHz, TIME_INTERVAL_MEMPOD_us=50 is 200,000 ticks. Callers compute
	// this from the configured clock so the policy stays clock-agnostic.
	EpochTicks uint64
	QueueCap   int
}

type meaEntry struct {
	page  uint64 // page-aligned physical address
	count uint8
}

// Policy is one MemPod instance.
type Policy struct {
	fastBytes  uint64
	slowBytes  uint64
	numFastPages uint64
	epochTicks uint64

	tick      uint64
	fastIter  uint64 // swap_fm_address_itr: round-robin fast-page cursor

	mea []meaEntry

	paToHA map[uint64]uint64
	haToPA map[uint64]uint64

	queue        *rrqueue.Queue
	pendingIssued bool // true once the current epoch's request has been issued
	stats        policy.Stats
}

// New returns a ready MemPod policy.
func New(cfg Config) (*Policy, error) {
	if cfg.FastBytes == 0 || cfg.SlowBytes == 0 {
		return nil, fmt.Errorf("mempod: fast and slow capacities must be positive")
	}
	if cfg.FastBytes%pageSize != 0 || cfg.SlowBytes%pageSize != 0 {
		return nil, fmt.Errorf("mempod: capacities must be multiples of the %d-byte page size", pageSize)
	}
	if cfg.EpochTicks == 0 {
		return nil, fmt.Errorf("mempod: epoch length must be positive")
	}
	cap := cfg.QueueCap
	if cap <= 0 {
		cap = defaultQueueCapacity
	}
	return &Policy{
		fastBytes:    cfg.FastBytes,
		slowBytes:    cfg.SlowBytes,
		numFastPages: cfg.FastBytes / pageSize,
		epochTicks:   cfg.EpochTicks,
		paToHA:       make(map[uint64]uint64),
		haToPA:       make(map[uint64]uint64),
		queue:        rrqueue.New(cap, rrqueue.SameAddressPairEquivalence),
	}, nil
}

func pageBase(pa uint64) uint64 { return pa - pa%pageSize }

// occupantOf returns the physical page currently located at hardware
// address ha, defaulting to ha itself (identity) when never remapped.
func (p *Policy) occupantOf(ha uint64) uint64 {
	if pa, ok := p.haToPA[ha]; ok {
		return pa
	}
	return ha
}

// locationOf returns the hardware address currently holding page pa.
func (p *Policy) locationOf(pa uint64) uint64 {
	if ha, ok := p.paToHA[pa]; ok {
		return ha
	}
	return pa
}

// Translate implements policy.Policy.
func (p *Policy) Translate(pa uint64) (uint64, error) {
	total := p.fastBytes + p.slowBytes
	if pa >= total {
		return 0, fmt.Errorf("mempod: physical address %#x out of range", pa)
	}
	base := pageBase(pa)
	ha := p.locationOf(base)
	return ha + (pa - base), nil
}

// TranslateMeta implements policy.Policy: MemPod keeps no co-located
// metadata entry; its MEA counters live in the policy's own state.
func (p *Policy) TranslateMeta(uint64) (uint64, bool, error) {
	return 0, false, nil
}

// updateMEA applies one step of the Misra-Gries heavy-hitter sketch
// (ideal_single_mempod.cc's update_mea_counter): increment a present
// entry's saturating counter, insert a new one if there is room,
// otherwise decrement every counter and drop any that hit zero.
func (p *Policy) updateMEA(page uint64) {
	for i := range p.mea {
		if p.mea[i].page == page {
			if p.mea[i].count < maxMEACounter {
				p.mea[i].count++
			}
			return
		}
	}
	if len(p.mea) < maxMEAEntries {
		p.mea = append(p.mea, meaEntry{page: page, count: 1})
		return
	}

	kept := p.mea[:0]
	for _, e := range p.mea {
		e.count--
		if e.count > 0 {
			kept = append(kept, e)
		}
	}
	p.mea = kept
	if len(p.mea) < maxMEAEntries {
		p.mea = append(p.mea, meaEntry{page: page, count: 1})
	}
}

// Track implements policy.Policy: every access to a slow-resident page
// updates its MEA counter. Fast-resident pages need no promotion tracking.
func (p *Policy) Track(pa uint64, _ policy.Kind, _ float64) (bool, error) {
	total := p.fastBytes + p.slowBytes
	if pa >= total {
		return false, fmt.Errorf("mempod: physical address %#x out of range", pa)
	}
	p.stats.TrackedAccesses++

	base := pageBase(pa)
	if p.locationOf(base) < p.fastBytes {
		return false, nil
	}
	p.updateMEA(base)
	return false, nil
}

// isFastPageHot reports whether the page currently occupying fast-tier
// hardware address ha is itself present in the MEA set as a fast-resident
// entry (ideal_single_mempod.cc's hot_page_in_fm check) — such a page must
// not be picked as a swap destination, since it would be evicted while
// still hot.
func (p *Policy) isFastPageHot(ha uint64) bool {
	pa := p.occupantOf(ha)
	for _, e := range p.mea {
		if e.page == pa && p.locationOf(e.page) < p.fastBytes {
			return true
		}
	}
	return false
}

// nextFastCandidate advances swap_fm_address_itr, skipping any fast-tier
// page that is itself MEA-hot, and returns the hardware address it lands
// on. ok is false if every fast-tier page is currently hot.
func (p *Policy) nextFastCandidate() (ha uint64, ok bool) {
	for i := uint64(0); i < p.numFastPages; i++ {
		candidate := p.fastIter * pageSize
		p.fastIter = (p.fastIter + 1) % p.numFastPages
		if !p.isFastPageHot(candidate) {
			return candidate, true
		}
	}
	return 0, false
}

// CancelPending drops every queued-but-not-yet-started request
// (ideal_single_mempod.cc's cancel_not_started_remapping_request). Tick
// calls this at each epoch boundary, right before enqueueing the new
// epoch's picks, so a stale request left over from a congested prior epoch
// doesn't sit in the queue forever once the sketch has moved on to a
// fresher set of hot pages. A request the swapping unit has already
// started is never cancelled: when inFlight is set, the queue head (the
// request the controller started) is kept and only the rest are dropped.
func (p *Policy) CancelPending(inFlight bool) {
	if inFlight {
		if head, ok := p.queue.Peek(); ok {
			p.queue.DropNotStarted(head.HAFast, head.HASlow, true)
		}
		return
	}
	p.queue.DropNotStarted(0, 0, false)
	p.pendingIssued = false
}

// Tick implements policy.Policy: advance the epoch clock and, at each
// epoch boundary, cancel any not-yet-started leftover request, pair every
// slow-resident MEA entry with a fast-tier page and enqueue a swap for it
// (determine_swap_pair), skipping candidates that are themselves MEA-hot,
// then reset the sketch. swapInFlight is only consulted at the epoch
// boundary itself, never on the ticks in between.
func (p *Policy) Tick(swapInFlight bool) {
	p.tick++
	if p.tick < p.epochTicks {
		return
	}
	p.tick = 0
	p.CancelPending(swapInFlight)

	for _, e := range p.mea {
		if p.locationOf(e.page) < p.fastBytes {
			continue // already fast-resident, nothing to swap in
		}
		fastHA, ok := p.nextFastCandidate()
		if !ok {
			break // every fast-tier page is itself hot this epoch
		}
		req := rrqueue.Request{
			HAFast:  fastHA,
			HASlow:  p.locationOf(e.page),
			TierSrc: rrqueue.TierSlow,
			TierDst: rrqueue.TierFast,
			Size:    linesPerPage,
		}
		if p.queue.Enqueue(req) {
			p.stats.RemappingRequestsIssued++
			p.pendingIssued = true
		} else {
			p.stats.QueueCongestion = p.queue.Congestion
			break // queue is full; the rest wait for next epoch
		}
	}

	p.mea = p.mea[:0]
}

// IssueRemapping implements policy.Policy.
func (p *Policy) IssueRemapping() (rrqueue.Request, bool) {
	return p.queue.Peek()
}

// CommitRemapping implements policy.Policy: swap the two pages' logical
// locations once the swapping unit finishes moving their data.
func (p *Policy) CommitRemapping() error {
	req, ok := p.queue.Pop()
	if !ok {
		return fmt.Errorf("mempod: CommitRemapping called with an empty queue")
	}
	pAtFast := p.occupantOf(req.HAFast)
	pAtSlow := p.occupantOf(req.HASlow)

	p.paToHA[pAtFast] = req.HASlow
	p.paToHA[pAtSlow] = req.HAFast
	p.haToPA[req.HAFast] = pAtSlow
	p.haToPA[req.HASlow] = pAtFast

	p.pendingIssued = false
	p.stats.RemappingRequestsCommitted++
	return nil
}

// PolicyStats implements policy.Policy.
func (p *Policy) PolicyStats() policy.Stats {
	p.stats.QueueCongestion = p.queue.Congestion
	return p.stats
}
