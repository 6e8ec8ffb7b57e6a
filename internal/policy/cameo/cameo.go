// Package cameo implements the CAMEO placement policy (spec §4.2.1):
// line-granularity congruence-group remapping between a fast tier and a
// slow tier sized as an exact multiple of it.
//
// Grounded on _examples/original_source/inc/cameo.h and src/cameo.cc: the
// congruence-group sizing check at construction, the per-line saturating
// hotness counter, and the location-table swap-on-commit protocol all
// follow that source directly. The packed uint16 LOCATION_TABLE_ENTRY
// there is reexpressed here as a plain slot-occupancy array, since Go has
// no bitfield packing (see DESIGN.md, Open Question 2) — the same
// generalization Maemo32-SupraX_Legacy/proto/tage/tage.go makes when it
// swaps C-style tagged-table bit-splicing for a Go struct array.
package cameo

import (
	"fmt"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/rrqueue"
)

const (
	lineSize = 64

	// maxGroupSize bounds how many lines (1 fast-resident + N-1
	// slow-resident) a congruence group may hold. Congruence groups wider
	// than this would need a location-table entry bigger than a byte can
	// cheaply index; no realistic tier ratio approaches it.
	maxGroupSize = 255

	// defaultQueueCapacity is NUMBER_OF_REMAPPING_REQUEST_QUEUE_CAMEO
	// (spec §6).
	defaultQueueCapacity = 64

	// backpressureThreshold is the queue_busy_degree ceiling above which
	// CAMEO stops issuing new promotion requests (spec §4.2.1).
	backpressureThreshold = 0.8
)

// Config parameterizes a CAMEO instance.
type Config struct {
	FastBytes uint64
	SlowBytes uint64
	Threshold uint8 // saturating-counter value that triggers a promotion
	QueueCap  int   // 0 selects defaultQueueCapacity
}

type locationKey struct {
	group uint64
	idx   uint8
}

// Policy is one CAMEO instance: one location table per congruence group,
// one saturating hotness counter per (group, original line index) pair.
type Policy struct {
	fastBytes    uint64
	slowBytes    uint64
	numFastLines uint64
	groupSize    uint8 // 1 fast slot + (groupSize-1) slow slots
	threshold    uint8

	// slots[group] is a permutation of [0, groupSize): slots[group][s] is
	// the original group-relative line index currently occupying physical
	// slot s (s == 0 means the fast-tier line for this group).
	slots map[uint64][]uint8

	counters map[locationKey]uint8

	queue *rrqueue.Queue
	stats policy.Stats
}

// New validates the fast/slow capacity ratio (cameo.cc's constructor
// check: total capacity must divide evenly by the fast tier's) and
// returns a ready Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.FastBytes == 0 || cfg.SlowBytes == 0 {
		return nil, fmt.Errorf("cameo: fast and slow capacities must be positive")
	}
	if cfg.FastBytes%lineSize != 0 || cfg.SlowBytes%lineSize != 0 {
		return nil, fmt.Errorf("cameo: capacities must be multiples of the %d-byte line size", lineSize)
	}
	total := cfg.FastBytes + cfg.SlowBytes
	if total%cfg.FastBytes != 0 {
		return nil, fmt.Errorf("cameo: total capacity %d is not an exact multiple of fast capacity %d", total, cfg.FastBytes)
	}
	groupSize := total / cfg.FastBytes
	if groupSize < 2 || groupSize > maxGroupSize {
		return nil, fmt.Errorf("cameo: congruence group size %d out of range [2,%d]", groupSize, maxGroupSize)
	}

	cap := cfg.QueueCap
	if cap <= 0 {
		cap = defaultQueueCapacity
	}

	return &Policy{
		fastBytes:    cfg.FastBytes,
		slowBytes:    cfg.SlowBytes,
		numFastLines: cfg.FastBytes / lineSize,
		groupSize:    uint8(groupSize),
		threshold:    cfg.Threshold,
		slots:        make(map[uint64][]uint8),
		counters:     make(map[locationKey]uint8),
		queue:        rrqueue.New(cap, rrqueue.SameSetEquivalence),
	}, nil
}

// decompose maps a physical address to its congruence group and
// group-relative original index (0 = natural fast-tier home).
func (p *Policy) decompose(pa uint64) (group uint64, idx uint8, err error) {
	if pa >= p.fastBytes+p.slowBytes {
		return 0, 0, fmt.Errorf("cameo: physical address %#x out of range", pa)
	}
	if pa < p.fastBytes {
		line := pa / lineSize
		return line, 0, nil
	}
	slowLine := (pa - p.fastBytes) / lineSize
	group = slowLine % p.numFastLines
	idx = uint8(1 + slowLine/p.numFastLines)
	return group, idx, nil
}

// occupancy returns (and lazily initializes) the slot permutation for a
// congruence group. Identity until a swap commits: slot s holds index s.
func (p *Policy) occupancy(group uint64) []uint8 {
	s, ok := p.slots[group]
	if !ok {
		s = make([]uint8, p.groupSize)
		for i := range s {
			s[i] = uint8(i)
		}
		p.slots[group] = s
	}
	return s
}

func (p *Policy) currentSlot(group uint64, idx uint8) uint8 {
	occ := p.occupancy(group)
	for s, occupant := range occ {
		if occupant == idx {
			return uint8(s)
		}
	}
	panic("cameo: location table corrupted, index missing from its group")
}

// haForSlot returns the hardware address physical slot s of group
// currently sits at: slot 0 is always the fast tier, slots 1..groupSize-1
// are distinct fixed positions in the slow tier.
func (p *Policy) haForSlot(group uint64, slot uint8) uint64 {
	if slot == 0 {
		return group * lineSize
	}
	slowLine := group + uint64(slot-1)*p.numFastLines
	return p.fastBytes + slowLine*lineSize
}

// Translate implements policy.Policy.
func (p *Policy) Translate(pa uint64) (uint64, error) {
	group, idx, err := p.decompose(pa)
	if err != nil {
		return 0, err
	}
	slot := p.currentSlot(group, idx)
	return p.haForSlot(group, slot), nil
}

// TranslateMeta implements policy.Policy: CAMEO keeps no co-located
// metadata entry distinct from the location table itself.
func (p *Policy) TranslateMeta(uint64) (uint64, bool, error) {
	return 0, false, nil
}

// Track implements policy.Policy: bump the saturating hotness counter for
// a slow-resident line and, once it reaches threshold, request promotion.
func (p *Policy) Track(pa uint64, _ policy.Kind, queueBusy float64) (bool, error) {
	group, idx, err := p.decompose(pa)
	if err != nil {
		return false, err
	}
	p.stats.TrackedAccesses++

	slot := p.currentSlot(group, idx)
	if slot == 0 {
		// Already fast-resident; nothing to promote.
		return false, nil
	}

	key := locationKey{group: group, idx: idx}
	c := p.counters[key]
	if c < p.threshold {
		c++
	}
	p.counters[key] = c
	if c < p.threshold {
		return false, nil
	}

	if queueBusy > backpressureThreshold {
		return false, nil
	}

	req := rrqueue.Request{
		HAFast:  p.haForSlot(group, 0),
		HASlow:  p.haForSlot(group, slot),
		TierSrc: rrqueue.TierSlow,
		TierDst: rrqueue.TierFast,
		Size:    1,
	}
	if p.queue.Enqueue(req) {
		p.stats.RemappingRequestsIssued++
		delete(p.counters, key)
		return true, nil
	}
	p.stats.QueueCongestion = p.queue.Congestion
	return false, nil
}

// IssueRemapping implements policy.Policy.
func (p *Policy) IssueRemapping() (rrqueue.Request, bool) {
	return p.queue.Peek()
}

// CommitRemapping implements policy.Policy: swap the location-table
// occupants of slot 0 and the slot the committed request promoted.
func (p *Policy) CommitRemapping() error {
	req, ok := p.queue.Pop()
	if !ok {
		return fmt.Errorf("cameo: CommitRemapping called with an empty queue")
	}
	group := req.HAFast / lineSize
	occ := p.occupancy(group)

	promotedSlot := uint8(0)
	for s := uint8(1); s < p.groupSize; s++ {
		if p.haForSlot(group, s) == req.HASlow {
			promotedSlot = s
			break
		}
	}
	if promotedSlot == 0 {
		return fmt.Errorf("cameo: commit request %+v does not match any slot in group %d", req, group)
	}

	occ[0], occ[promotedSlot] = occ[promotedSlot], occ[0]
	p.stats.RemappingRequestsCommitted++
	return nil
}

// Tick implements policy.Policy. CAMEO has no epoch behavior of its own;
// it only exists so Policy is satisfied uniformly across implementations.
func (p *Policy) Tick(bool) {}

// PolicyStats implements policy.Policy.
func (p *Policy) PolicyStats() policy.Stats {
	p.stats.QueueCongestion = p.queue.Congestion
	return p.stats
}
