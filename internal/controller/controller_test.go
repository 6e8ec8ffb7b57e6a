package controller

import (
	"testing"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/policy/cameo"
	"github.com/hybridmem/hmsim/internal/rrqueue"
	"github.com/hybridmem/hmsim/internal/swapunit"
	"github.com/stretchr/testify/require"
)

// tickRecordingPolicy is a minimal policy.Policy that never issues a
// remapping request; it exists only to confirm Controller.Operate passes
// the swap unit's current in-flight state into every Tick call.
type tickRecordingPolicy struct {
	tickCalls    int
	lastInFlight bool
}

func (p *tickRecordingPolicy) Track(uint64, policy.Kind, float64) (bool, error) {
	return false, nil
}
func (p *tickRecordingPolicy) Translate(pa uint64) (uint64, error) { return pa, nil }
func (p *tickRecordingPolicy) TranslateMeta(uint64) (uint64, bool, error) {
	return 0, false, nil
}
func (p *tickRecordingPolicy) IssueRemapping() (rrqueue.Request, bool) {
	return rrqueue.Request{}, false
}
func (p *tickRecordingPolicy) CommitRemapping() error    { return nil }
func (p *tickRecordingPolicy) PolicyStats() policy.Stats { return policy.Stats{} }
func (p *tickRecordingPolicy) Tick(swapInFlight bool) {
	p.tickCalls++
	p.lastInFlight = swapInFlight
}

const mib = 1024 * 1024

func newTestController(t *testing.T) (*Controller, *cameo.Policy) {
	t.Helper()
	pol, err := cameo.New(cameo.Config{FastBytes: 4 * mib, SlowBytes: 12 * mib, Threshold: 1})
	require.NoError(t, err)
	ctrl := New(Config{FastBytes: 4 * mib, Policy: pol})
	return ctrl, pol
}

func TestAddRQRoutesByFastThreshold(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.AddRQ(0x0))
	require.NoError(t, ctrl.AddRQ(5*mib))
	require.EqualValues(t, 2, ctrl.ControllerStats().Reads)
}

func TestSwapBufferHoldsReadDuringMigration(t *testing.T) {
	ctrl, pol := newTestController(t)

	// Promote a slow line so a swap starts.
	require.NoError(t, ctrl.AddRQ(4*mib)) // group 0, slow-resident
	_, ok := pol.IssueRemapping()
	require.True(t, ok)

	require.NoError(t, ctrl.Operate()) // starts the swap
	require.NotEqual(t, "Idle", ctrl.swap.State().String())

	// A read against the line mid-swap must never be dispatched to the
	// backend tier queue underneath it. The swap has not stepped yet, so the
	// buffer does not hold the line: the controller keeps the read back and
	// retries it on later ticks.
	require.NoError(t, ctrl.AddRQ(4*mib))
	require.Equal(t, 0, ctrl.fast.Len()+ctrl.slow.Len())
}

func TestOperateDrivesSwapToCompletion(t *testing.T) {
	ctrl, pol := newTestController(t)
	require.NoError(t, ctrl.AddRQ(4*mib))

	for i := 0; i < 16; i++ {
		require.NoError(t, ctrl.Operate())
	}

	require.EqualValues(t, 1, pol.PolicyStats().RemappingRequestsCommitted)
}

func TestHandleStepResultAbortsAtDeadlockThreshold(t *testing.T) {
	ctrl, _ := newTestController(t)

	for i := uint64(0); i < stuckTicksBeforeAbort-1; i++ {
		require.NoError(t, ctrl.handleStepResult(swapunit.StepBusy))
	}
	require.Equal(t, uint64(stuckTicksBeforeAbort-1), ctrl.ticksSinceProgress)

	err := ctrl.handleStepResult(swapunit.StepBusy)
	require.ErrorIs(t, err, ErrDeadlock)
}

func TestOperatePassesSwapInFlightStateToPolicyTick(t *testing.T) {
	pol := &tickRecordingPolicy{}
	ctrl := New(Config{FastBytes: 4 * mib, Policy: pol})

	require.NoError(t, ctrl.Operate())
	require.Equal(t, 1, pol.tickCalls)
	require.False(t, pol.lastInFlight, "swap unit is idle, nothing queued")
}

func TestHandleStepResultResetsProgressOnFinish(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.ticksSinceProgress = stuckTicksBeforeWarning
	ctrl.warned = true

	// CommitRemapping on an empty queue returns an error, which
	// handleStepResult logs rather than propagates: reaching
	// StepJustFinished always clears the stall counters regardless.
	require.NoError(t, ctrl.handleStepResult(swapunit.StepJustFinished))
	require.Zero(t, ctrl.ticksSinceProgress)
	require.False(t, ctrl.warned)
}
