// Package vg implements the Variable-Granularity placement policy (spec
// §4.2.3): sub-page regions (64B..4KiB, power-of-two sized) migrated
// individually based on per-line access bitmaps, packed into a fixed
// 4KiB budget per fast-tier destination region.
//
// Grounded on _examples/original_source/inc/variable_granularity.h and
// variable_granularity.cc: MigrationGranularity's power-of-two ladder,
// AccessDistribution's 64-bit per-region access bitmap, PlacementEntry's
// cursor/tag/start_address/granularity slot arrays (NUMBER_OF_BLOCK=5),
// and the cold-data-eviction/growth pair of operations all follow that
// source. As with internal/policy/cameo, PlacementEntry's C bitfields
// become plain Go slot arrays.
package vg

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/rrqueue"
	"golang.org/x/sync/errgroup"
)

const (
	lineSize       = 64
	regionSize     = 4096
	linesPerRegion = regionSize / lineSize // 64

	maxGroups = 5 // NUMBER_OF_BLOCK

	defaultQueueCapacity = 64

	// defaultDecayInterval is roughly variable_granularity.cc's INTERVAL_DECAY:
	// a cheap default for deployments that don't override it.
	defaultDecayInterval = 1_000_000
)

// Config parameterizes a VG instance.
type Config struct {
	FastBytes     uint64
	SlowBytes     uint64
	DecayInterval uint64 // 0 selects defaultDecayInterval
	QueueCap      int
}

type setTag struct {
	set uint64
	tag uint8
}

// accessDistribution is one source region's per-line hotness bitmap.
type accessDistribution struct {
	access       uint64 // bit i set: line i accessed since last decay
	hotSinceDecay bool
}

// placementEntry is one fast-tier destination region's slot table.
// groupCount/usedLines are reserved eagerly, as soon as a placement
// request is enqueued, so two outstanding requests against the same
// destination region never get assigned overlapping space; active only
// becomes true once the swap actually commits, which is what Translate
// consults. Eviction instead frees usedLines/groupCount at commit, not at
// enqueue, since the space genuinely isn't free until the data has moved.
type placementEntry struct {
	groupCount uint8 // cursor: count of reserved-or-active slots
	usedLines  uint8 // sum of reserved-or-active granularities, <= linesPerRegion
	tag        [maxGroups]uint8
	srcStart   [maxGroups]uint8 // source-region-relative line offset
	destStart  [maxGroups]uint8 // destination-region-relative line offset
	granularity [maxGroups]uint8
	active      [maxGroups]bool
	reserved    [maxGroups]bool
}

type plannedChange struct {
	isEviction  bool
	set         uint64
	tag         uint8
	srcStart    uint8
	destStart   uint8
	granularity uint8
	slot        int // the reserved (placement) or active (eviction) slot this applies to
}

// Policy is one VG instance.
type Policy struct {
	fastBytes    uint64
	slowBytes    uint64
	numFastRegions uint64
	decayInterval uint64
	tick          uint64

	dest map[uint64]*placementEntry
	src  map[setTag]*accessDistribution

	queue   *rrqueue.Queue
	pending map[[2]uint64]plannedChange

	stats policy.Stats
}

// New returns a ready VG policy.
func New(cfg Config) (*Policy, error) {
	if cfg.FastBytes == 0 || cfg.SlowBytes == 0 {
		return nil, fmt.Errorf("vg: fast and slow capacities must be positive")
	}
	if cfg.FastBytes%regionSize != 0 || cfg.SlowBytes%regionSize != 0 {
		return nil, fmt.Errorf("vg: capacities must be multiples of the %d-byte region size", regionSize)
	}
	decay := cfg.DecayInterval
	if decay == 0 {
		decay = defaultDecayInterval
	}
	cap := cfg.QueueCap
	if cap <= 0 {
		cap = defaultQueueCapacity
	}
	return &Policy{
		fastBytes:      cfg.FastBytes,
		slowBytes:      cfg.SlowBytes,
		numFastRegions: cfg.FastBytes / regionSize,
		decayInterval:  decay,
		dest:           make(map[uint64]*placementEntry),
		src:            make(map[setTag]*accessDistribution),
		queue:          rrqueue.New(cap, rrqueue.SameAddressPairEquivalence),
		pending:        make(map[[2]uint64]plannedChange),
	}, nil
}

// decompose maps a physical address to its congruence set, source tag (0
// means the address is the set's native fast-tier home; no tracking
// needed), and line offset within its home 4KiB region.
func (p *Policy) decompose(pa uint64) (set uint64, tag uint8, line uint8, err error) {
	total := p.fastBytes + p.slowBytes
	if pa >= total {
		return 0, 0, 0, fmt.Errorf("vg: physical address %#x out of range", pa)
	}
	line = uint8((pa % regionSize) / lineSize)
	if pa < p.fastBytes {
		return pa / regionSize, 0, line, nil
	}
	slowRegion := (pa - p.fastBytes) / regionSize
	set = slowRegion % p.numFastRegions
	tag = uint8(1 + slowRegion/p.numFastRegions)
	return set, tag, line, nil
}

func (p *Policy) destRegion(set uint64) *placementEntry {
	e, ok := p.dest[set]
	if !ok {
		e = &placementEntry{}
		p.dest[set] = e
	}
	return e
}

func (p *Policy) srcDist(set uint64, tag uint8) *accessDistribution {
	key := setTag{set, tag}
	d, ok := p.src[key]
	if !ok {
		d = &accessDistribution{}
		p.src[key] = d
	}
	return d
}

func (p *Policy) nativeSlowAddr(set uint64, tag uint8, line uint8) uint64 {
	slowRegion := set + uint64(tag-1)*p.numFastRegions
	return p.fastBytes + slowRegion*regionSize + uint64(line)*lineSize
}

func (p *Policy) fastRegionBase(set uint64) uint64 { return set * regionSize }

// findSlot returns the active slot in e whose tag matches and whose
// source span covers line, if any.
func findSlot(e *placementEntry, tag uint8, line uint8) (int, bool) {
	for i := 0; i < maxGroups; i++ {
		if !e.active[i] || e.tag[i] != tag {
			continue
		}
		if line >= e.srcStart[i] && line < e.srcStart[i]+e.granularity[i] {
			return i, true
		}
	}
	return 0, false
}

// findReservedOrActiveSlot is like findSlot but also matches a slot
// reserved by an outstanding, not-yet-committed placement request, so
// Track never enqueues two overlapping placements for the same span.
func findReservedOrActiveSlot(e *placementEntry, tag uint8, line uint8) (int, bool) {
	if slot, ok := findSlot(e, tag, line); ok {
		return slot, true
	}
	for i := 0; i < maxGroups; i++ {
		if !e.reserved[i] || e.tag[i] != tag {
			continue
		}
		if line >= e.srcStart[i] && line < e.srcStart[i]+e.granularity[i] {
			return i, true
		}
	}
	return 0, false
}

func freeSlot(e *placementEntry) (int, bool) {
	for i := 0; i < maxGroups; i++ {
		if !e.active[i] && !e.reserved[i] {
			return i, true
		}
	}
	return 0, false
}

// contiguousRunPowerOfTwo computes the bounding box of every set bit in
// access — [lowest set bit, highest set bit] — and rounds that span up to
// the smallest power-of-two-sized, aligned block that contains it
// (calculate_migration_granularity). It does not require every bit inside
// the span to be hot, only the two extremes; a sparse access pattern still
// grows the whole covering block.
func contiguousRunPowerOfTwo(access uint64) (start uint8, size uint8) {
	if access == 0 {
		return 0, 0
	}
	lo := uint8(bits.TrailingZeros64(access))
	hi := uint8(63 - bits.LeadingZeros64(access))
	for size := uint8(1); ; size <<= 1 {
		alignedStart := (lo / size) * size
		if uint16(alignedStart)+uint16(size) > uint16(hi) {
			return alignedStart, size
		}
		if size >= linesPerRegion {
			return 0, linesPerRegion
		}
	}
}

// Translate implements policy.Policy.
func (p *Policy) Translate(pa uint64) (uint64, error) {
	set, tag, line, err := p.decompose(pa)
	if err != nil {
		return 0, err
	}
	off := pa % lineSize
	if tag == 0 {
		return pa, nil
	}
	if e, ok := p.dest[set]; ok {
		if slot, found := findSlot(e, tag, line); found {
			destLine := e.destStart[slot] + (line - e.srcStart[slot])
			return p.fastRegionBase(set) + uint64(destLine)*lineSize + off, nil
		}
	}
	return p.nativeSlowAddr(set, tag, line) + off, nil
}

// TranslateMeta implements policy.Policy: VG keeps no co-located metadata
// entry distinct from its placement table.
func (p *Policy) TranslateMeta(uint64) (uint64, bool, error) {
	return 0, false, nil
}

// Track implements policy.Policy: mark the line hot, and if it (or a
// power-of-two-aligned run containing it) isn't already placed, try to
// place it subject to the set's 5-group/64-line budget.
func (p *Policy) Track(pa uint64, _ policy.Kind, queueBusy float64) (bool, error) {
	set, tag, line, err := p.decompose(pa)
	if err != nil {
		return false, err
	}
	p.stats.TrackedAccesses++
	if tag == 0 {
		return false, nil
	}

	dist := p.srcDist(set, tag)
	dist.access |= 1 << line
	dist.hotSinceDecay = true

	e := p.destRegion(set)
	if _, already := findReservedOrActiveSlot(e, tag, line); already {
		return false, nil
	}

	srcStart, gran := contiguousRunPowerOfTwo(dist.access)
	if gran == 0 {
		return false, nil
	}
	// Destination space is handed out past the end of the highest span in
	// use, so a new placement never lands on lines an active group or an
	// outstanding request already holds.
	destStart := uint8(0)
	for i := 0; i < maxGroups; i++ {
		if (e.active[i] || e.reserved[i]) && e.destStart[i]+e.granularity[i] > destStart {
			destStart = e.destStart[i] + e.granularity[i]
		}
	}
	budget := uint8(linesPerRegion) - destStart
	if gran > budget {
		// No room this tick; the access stays recorded and a later
		// decay-triggered eviction may free space for a future attempt.
		p.stats.NoFreeSpaceForMigration++
		return false, nil
	}
	slot, ok := freeSlot(e)
	if !ok {
		p.stats.NoFreeSpaceForMigration++
		return false, nil
	}
	if queueBusy > 0.8 {
		return false, nil
	}

	req := rrqueue.Request{
		HAFast:  p.fastRegionBase(set) + uint64(destStart)*lineSize,
		HASlow:  p.nativeSlowAddr(set, tag, srcStart),
		TierSrc: rrqueue.TierSlow,
		TierDst: rrqueue.TierFast,
		Size:    gran,
	}
	if !p.queue.Enqueue(req) {
		p.stats.QueueCongestion = p.queue.Congestion
		return false, nil
	}

	e.reserved[slot] = true
	e.tag[slot] = tag
	e.srcStart[slot] = srcStart
	e.destStart[slot] = destStart
	e.granularity[slot] = gran
	e.usedLines += gran
	e.groupCount++

	p.pending[[2]uint64{req.HAFast, req.HASlow}] = plannedChange{
		set: set, tag: tag, srcStart: srcStart, destStart: destStart, granularity: gran, slot: slot,
	}
	p.stats.RemappingRequestsIssued++
	return true, nil
}

// IssueRemapping implements policy.Policy.
func (p *Policy) IssueRemapping() (rrqueue.Request, bool) {
	return p.queue.Peek()
}

// CommitRemapping implements policy.Policy: apply the planned placement
// or eviction recorded when the request was first enqueued.
func (p *Policy) CommitRemapping() error {
	req, ok := p.queue.Pop()
	if !ok {
		return fmt.Errorf("vg: CommitRemapping called with an empty queue")
	}
	key := [2]uint64{req.HAFast, req.HASlow}
	change, ok := p.pending[key]
	if !ok {
		return fmt.Errorf("vg: commit request %+v has no planned change", req)
	}
	delete(p.pending, key)

	e := p.destRegion(change.set)
	if change.isEviction {
		e.active[change.slot] = false
		e.reserved[change.slot] = false
		e.usedLines -= e.granularity[change.slot]
		e.groupCount--
		p.stats.RemappingRequestsCommitted++
		return nil
	}

	e.active[change.slot] = true
	p.stats.RemappingRequestsCommitted++
	return nil
}

// Tick implements policy.Policy: every decayInterval ticks, evict any
// group whose source region saw no accesses since the previous decay.
func (p *Policy) Tick(bool) {
	p.tick++
	if p.tick < p.decayInterval {
		return
	}
	p.tick = 0

	// Scanning each congruence set's cold groups is independent work —
	// one set's slots never reference another's — so the sweep itself
	// runs concurrently and only the resulting Enqueue calls (which
	// mutate the shared queue and pending map) are applied back on this
	// goroutine.
	type coldSlot struct {
		set uint64
		i   int
		req rrqueue.Request
	}

	sets := make([]uint64, 0, len(p.dest))
	for set := range p.dest {
		sets = append(sets, set)
	}
	found := make([][]coldSlot, len(sets))

	g, _ := errgroup.WithContext(context.Background())
	for idx, set := range sets {
		idx, set, e := idx, set, p.dest[set]
		g.Go(func() error {
			var cold []coldSlot
			for i := 0; i < maxGroups; i++ {
				if !e.active[i] || e.reserved[i] {
					continue
				}
				dist, ok := p.src[setTag{set, e.tag[i]}]
				if ok && dist.hotSinceDecay {
					continue
				}
				cold = append(cold, coldSlot{set: set, i: i, req: rrqueue.Request{
					HAFast:  p.fastRegionBase(set) + uint64(e.destStart[i])*lineSize,
					HASlow:  p.nativeSlowAddr(set, e.tag[i], e.srcStart[i]),
					TierSrc: rrqueue.TierFast,
					TierDst: rrqueue.TierSlow,
					Size:    e.granularity[i],
				}})
			}
			found[idx] = cold
			return nil
		})
	}
	_ = g.Wait() // sweep goroutines only read shared state, never error

	for idx, set := range sets {
		e := p.dest[set]
		for _, c := range found[idx] {
			if p.queue.Enqueue(c.req) {
				e.reserved[c.i] = true
				p.pending[[2]uint64{c.req.HAFast, c.req.HASlow}] = plannedChange{
					isEviction: true, set: set, slot: c.i,
				}
			}
		}
	}

	for _, dist := range p.src {
		dist.access = 0
		dist.hotSinceDecay = false
	}
}

// PolicyStats implements policy.Policy.
func (p *Policy) PolicyStats() policy.Stats {
	p.stats.QueueCongestion = p.queue.Congestion
	return p.stats
}

// GroupCount exposes a destination region's cursor (number of slots that
// are active or reserved by an outstanding placement) for tests and
// diagnostics.
func (p *Policy) GroupCount(set uint64) uint8 {
	if e, ok := p.dest[set]; ok {
		return e.groupCount
	}
	return 0
}
