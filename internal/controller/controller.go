// Package controller implements the memory controller (spec §4.5): it
// wires the address translator, one placement policy, the swapping unit,
// and the two tier back-ends together and drives them one tick at a time.
//
// Grounded on _examples/original_source/inc/ChampSim/dram_controller.h's
// operate()/check_interval_swap/add_rq/add_wq shape: route by HA<F,
// service demand traffic from the swap buffer when a line is mid-flight,
// and step the swapping unit and the policy every cycle. Deadlock
// detection (a demand request stuck behind a swap that makes no
// progress for too many ticks) is logged with logrus, matching the
// structured-diagnostics style the rest of the ambient stack uses.
package controller

import (
	"errors"
	"fmt"

	"github.com/hybridmem/hmsim/internal/hwaddr"
	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/swapunit"
	"github.com/hybridmem/hmsim/internal/tier"
	"github.com/sirupsen/logrus"
)

// stuckTicksBeforeWarning is how many consecutive ticks a single swap may
// sit without finishing before the controller logs a deadlock warning
// (spec §7, "policy-internal invariant violation" / liveness diagnostics).
const stuckTicksBeforeWarning = 1_000_000

// stuckTicksBeforeAbort is DeadlockCycles (SPEC_FULL.md §10): once a swap
// has made no progress for this many ticks in total (counted from the same
// start as the warning), the controller gives up rather than spin forever, and Operate returns
// ErrDeadlock so the caller can abort with a distinct exit code.
const stuckTicksBeforeAbort = 10 * stuckTicksBeforeWarning

// ErrDeadlock is returned by Operate once a swap has been stuck for
// stuckTicksBeforeAbort ticks (spec §6 "non-zero on argument error or
// deadlock abort"). Callers should map this to a distinct exit code
// rather than treating it as an ordinary runtime error.
var ErrDeadlock = errors.New("controller: no progress for DeadlockCycles ticks, aborting")

// Config wires one Controller instance.
type Config struct {
	FastBytes uint64 // F: hardware addresses below this are fast-tier
	Policy    policy.Policy
	FastQueueCap, SlowQueueCap     int
	FastClockNum, FastClockDen     uint64
	SlowClockNum, SlowClockDen     uint64
	Log *logrus.Logger
}

// Controller is the simulator's single memory controller instance.
type Controller struct {
	fastBytes uint64

	pol   policy.Policy
	tr    *hwaddr.Translator
	swap  *swapunit.Unit
	fast  *tier.Backend
	slow  *tier.Backend
	log   *logrus.Logger

	ticksSinceProgress uint64
	warned             bool

	// stalledReads holds hardware addresses whose line was mid-flight in
	// the swap buffer (InSwapMustWait) when first requested; Operate
	// retries them every tick until the buffer can serve the read.
	stalledReads []uint64

	reads, writes, hits, deadlockWarnings uint64
}

// New returns a ready Controller.
func New(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	fastClockNum, fastClockDen := cfg.FastClockNum, cfg.FastClockDen
	if fastClockDen == 0 {
		fastClockNum, fastClockDen = 1, 1
	}
	slowClockNum, slowClockDen := cfg.SlowClockNum, cfg.SlowClockDen
	if slowClockDen == 0 {
		slowClockNum, slowClockDen = 1, 1
	}
	return &Controller{
		fastBytes: cfg.FastBytes,
		pol:       cfg.Policy,
		tr:        hwaddr.New(cfg.Policy),
		swap:      swapunit.New(),
		fast:      tier.New("fast", nonZero(cfg.FastQueueCap, 32), fastClockNum, fastClockDen),
		slow:      tier.New("slow", nonZero(cfg.SlowQueueCap, 32), slowClockNum, slowClockDen),
		log:       log,
	}
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (c *Controller) backendFor(ha uint64) *tier.Backend {
	if ha < c.fastBytes {
		return c.fast
	}
	return c.slow
}

func (c *Controller) queueBusy() float64 {
	return (c.fast.Busy() + c.slow.Busy()) / 2
}

// retryStalledReads reattempts every read that previously found its line
// mid-flight in the swap buffer, resolving it once the buffer can serve
// it or the swap has finished entirely (spec §4.3 swap atomicity: a read
// to a line under migration never observes a torn or stale value).
func (c *Controller) retryStalledReads() {
	if len(c.stalledReads) == 0 {
		return
	}
	remaining := c.stalledReads[:0]
	for _, ha := range c.stalledReads {
		switch res, _ := c.swap.CheckRequest(ha, policy.Read); res {
		case swapunit.InSwapServiced:
			c.hits++
		case swapunit.InSwapMustWait:
			remaining = append(remaining, ha)
		case swapunit.NotInSwap:
			if !c.backendFor(ha).Enqueue(tier.Request{HA: ha, Kind: policy.Read}) {
				remaining = append(remaining, ha)
			}
		}
	}
	c.stalledReads = remaining
}

// AddRQ admits a read request for physical address pa. It tracks the
// access against the policy, translates it, and either serves it
// immediately from the swap buffer, holds it for retry while its line is
// mid-flight and not yet buffered, or enqueues it against the owning
// tier's demand queue.
func (c *Controller) AddRQ(pa uint64) error {
	ha, _, err := c.tr.Access(pa, policy.Read, c.queueBusy())
	if err != nil {
		return fmt.Errorf("controller: read %#x: %w", pa, err)
	}
	c.reads++

	switch res, _ := c.swap.CheckRequest(ha, policy.Read); res {
	case swapunit.InSwapServiced:
		c.hits++
		return nil
	case swapunit.InSwapMustWait:
		c.stalledReads = append(c.stalledReads, ha)
		return nil
	}
	if !c.backendFor(ha).Enqueue(tier.Request{HA: ha, Kind: policy.Read}) {
		return fmt.Errorf("controller: %s tier queue full for read %#x", c.backendFor(ha).Name, ha)
	}
	return nil
}

// AddWQ admits a write request for physical address pa.
func (c *Controller) AddWQ(pa uint64, data []byte) error {
	ha, _, err := c.tr.Access(pa, policy.Write, c.queueBusy())
	if err != nil {
		return fmt.Errorf("controller: write %#x: %w", pa, err)
	}
	c.writes++

	if res, _ := c.swap.CheckRequest(ha, policy.Write); res != swapunit.NotInSwap {
		c.swap.ApplyWrite(ha, data)
		c.hits++
		return nil
	}
	if !c.backendFor(ha).Enqueue(tier.Request{HA: ha, Kind: policy.Write, Data: data}) {
		return fmt.Errorf("controller: %s tier queue full for write %#x", c.backendFor(ha).Name, ha)
	}
	return nil
}

// Operate advances the controller by one tick: service demand queues,
// step the swapping unit, start the next queued remapping once idle, and
// give the policy a chance to run epoch/decay logic (spec §4.5 item 4).
// It returns ErrDeadlock if the in-flight swap has made no progress for
// stuckTicksBeforeAbort ticks; the caller should stop replaying and exit
// with a distinct code rather than keep ticking forever.
func (c *Controller) Operate() error {
	c.fast.Tick()
	c.slow.Tick()
	c.retryStalledReads()

	if c.swap.State() == swapunit.Idle {
		c.ticksSinceProgress = 0
		c.warned = false
		if req, ok := c.pol.IssueRemapping(); ok {
			c.swap.StartSwap(req.HAFast, req.HASlow, req.Size)
		}
	} else {
		readers := [swapunit.Segments]swapunit.ReadBackend{c.fast, c.slow}
		writers := [swapunit.Segments]swapunit.WriteBackend{c.fast, c.slow}
		if err := c.handleStepResult(c.swap.Step(readers, writers)); err != nil {
			return err
		}
	}

	c.pol.Tick(c.swap.State() != swapunit.Idle)
	return nil
}

// handleStepResult applies one Step outcome to the progress counters and
// the policy, isolated from Operate so the deadlock threshold can be
// exercised directly without needing a swap that genuinely stalls.
func (c *Controller) handleStepResult(res swapunit.StepResult) error {
	switch res {
	case swapunit.StepJustFinished:
		if err := c.pol.CommitRemapping(); err != nil {
			c.log.WithError(err).Error("controller: commit remapping failed")
		}
		c.ticksSinceProgress = 0
		c.warned = false
	case swapunit.StepBusy:
		c.ticksSinceProgress++
		if c.ticksSinceProgress >= stuckTicksBeforeAbort {
			c.deadlockWarnings++
			c.log.WithFields(logrus.Fields{
				"ticks": c.ticksSinceProgress,
				"swap":  c.swap.Diagnostic(),
			}).Error("controller: deadlock abort, no progress for DeadlockCycles ticks")
			return ErrDeadlock
		}
		if c.ticksSinceProgress >= stuckTicksBeforeWarning && !c.warned {
			c.deadlockWarnings++
			c.warned = true
			c.log.WithFields(logrus.Fields{
				"ticks": c.ticksSinceProgress,
				"swap":  c.swap.Diagnostic(),
			}).Warn("controller: swap has made no progress for an unusually long time")
		}
	}
	return nil
}

// Stats is a snapshot of controller-level counters for the statistics
// sink (spec §6.4).
type Stats struct {
	Reads, Writes, SwapBufferHits, DeadlockWarnings uint64
	Policy                                          policy.Stats
}

// ControllerStats returns the current counters.
func (c *Controller) ControllerStats() Stats {
	return Stats{
		Reads:            c.reads,
		Writes:           c.writes,
		SwapBufferHits:   c.hits,
		DeadlockWarnings: c.deadlockWarnings,
		Policy:           c.pol.PolicyStats(),
	}
}
