// Package tier implements the tiered memory back-end (spec §4.5): a
// bounded per-tier request queue plus a fractional-clock accumulator so
// the fast and slow tiers can be driven at different relative rates from
// one controller tick.
//
// Grounded on _examples/original_source/inc/ChampSim/dram_controller.h's
// controller-per-channel queue/clock shape; real DRAM timing (row buffer
// state, refresh, bank conflicts) is explicitly out of scope (spec
// Non-goals) so Backend keeps only what the swapping unit and demand path
// need: a byte store addressed by hardware address, and a completion
// queue gated by a configurable clock ratio.
package tier

import "github.com/hybridmem/hmsim/internal/policy"

const lineSize = 64

// Request is one pending demand access against a tier.
type Request struct {
	HA   uint64
	Kind policy.Kind
	Data []byte // populated for writes
}

// Backend is one memory tier: a line-addressed byte store, a bounded FIFO
// of in-flight demand requests, and a fractional clock relative to the
// controller's base tick rate (spec §4.5 "dual fractional clocks").
type Backend struct {
	Name     string
	capacity int
	store    map[uint64][]byte
	queue    []Request

	clockNum, clockDen uint64
	accumulator        uint64
}

// New returns a Backend with the given queue capacity and clock ratio
// (clockNum/clockDen of a controller tick is spent servicing this tier;
// e.g. a slow tier at 1/4 the fast tier's rate uses clockNum=1,
// clockDen=4).
func New(name string, capacity int, clockNum, clockDen uint64) *Backend {
	if clockDen == 0 {
		clockDen = 1
	}
	return &Backend{
		Name:     name,
		capacity: capacity,
		store:    make(map[uint64][]byte),
		clockNum: clockNum,
		clockDen: clockDen,
	}
}

// Read returns the line at ha, zero-filled if never written.
func (b *Backend) Read(ha uint64) []byte {
	if d, ok := b.store[ha]; ok {
		cp := make([]byte, lineSize)
		copy(cp, d)
		return cp
	}
	return make([]byte, lineSize)
}

// Write stores data at ha, immediately and synchronously: the queue below
// models demand-access latency, not the swapping unit's direct data path.
func (b *Backend) Write(ha uint64, data []byte) {
	cp := make([]byte, lineSize)
	copy(cp, data)
	b.store[ha] = cp
}

// Enqueue admits a demand request if the tier's queue has room.
func (b *Backend) Enqueue(req Request) bool {
	if len(b.queue) >= b.capacity {
		return false
	}
	b.queue = append(b.queue, req)
	return true
}

// Busy reports queue occupancy as a fraction in [0,1].
func (b *Backend) Busy() float64 {
	if b.capacity == 0 {
		return 0
	}
	return float64(len(b.queue)) / float64(b.capacity)
}

// Len reports the number of requests currently queued.
func (b *Backend) Len() int { return len(b.queue) }

// Tick advances the fractional clock by one controller cycle and, once
// the accumulator crosses a full unit, services the head of the queue.
// It returns the completed request, if any.
func (b *Backend) Tick() (Request, bool) {
	b.accumulator += b.clockNum
	if b.accumulator < b.clockDen {
		return Request{}, false
	}
	b.accumulator -= b.clockDen

	if len(b.queue) == 0 {
		return Request{}, false
	}
	req := b.queue[0]
	b.queue = b.queue[1:]

	if req.Kind == policy.Write {
		b.Write(req.HA, req.Data)
	}
	return req, true
}
