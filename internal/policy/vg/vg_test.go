package vg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/hybridmem/hmsim/internal/rrqueue"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	// 2 fast regions, 8 slow regions -> numFastRegions=2, 4 slow
	// candidates per set.
	p, err := New(Config{FastBytes: 2 * regionSize, SlowBytes: 8 * regionSize, DecayInterval: 1000})
	require.NoError(t, err)
	return p
}

func TestGrowthFourContiguousLinesFormsGroupOfFour(t *testing.T) {
	p := newTestPolicy(t)
	tag1Region := p.nativeSlowAddr(0, 1, 0) // set 0, tag 1

	var issued bool
	for line := uint64(0); line < 4; line++ {
		var err error
		issued, err = p.Track(tag1Region+line*lineSize, policy.Read, 0)
		require.NoError(t, err)
	}
	require.True(t, issued, "the 4th contiguous access should complete a size-4 run")

	req, ok := p.IssueRemapping()
	require.True(t, ok)
	want := rrqueue.Request{
		HAFast:  0,
		HASlow:  tag1Region,
		TierSrc: rrqueue.TierSlow,
		TierDst: rrqueue.TierFast,
		Size:    4,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("promotion request mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, p.CommitRemapping())
	require.EqualValues(t, 1, p.GroupCount(0))
}

func TestSecondGroupAdvancesCursorToTwo(t *testing.T) {
	p := newTestPolicy(t)
	tag1Region := p.nativeSlowAddr(0, 1, 0)
	tag2Region := p.nativeSlowAddr(0, 2, 0)

	for line := uint64(0); line < 4; line++ {
		_, err := p.Track(tag1Region+line*lineSize, policy.Read, 0)
		require.NoError(t, err)
	}
	require.NoError(t, p.CommitRemapping())
	require.EqualValues(t, 1, p.GroupCount(0))

	for line := uint64(0); line < 4; line++ {
		_, err := p.Track(tag2Region+line*lineSize, policy.Read, 0)
		require.NoError(t, err)
	}
	require.NoError(t, p.CommitRemapping())
	require.EqualValues(t, 2, p.GroupCount(0))
}

func TestPlacedLineTranslatesToFastTier(t *testing.T) {
	p := newTestPolicy(t)
	tag1Region := p.nativeSlowAddr(0, 1, 0)

	for line := uint64(0); line < 4; line++ {
		_, err := p.Track(tag1Region+line*lineSize, policy.Read, 0)
		require.NoError(t, err)
	}
	require.NoError(t, p.CommitRemapping())

	ha, err := p.Translate(tag1Region)
	require.NoError(t, err)
	require.Less(t, ha, p.fastBytes)
}

func TestContiguousRunPowerOfTwoBoundingBox(t *testing.T) {
	start, size := contiguousRunPowerOfTwo(1<<0 | 1<<40)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 64, size, "bits 0 and 40 straddle a 32-boundary, so only the full region covers both")

	start, size = contiguousRunPowerOfTwo(1<<0 | 1<<3)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 4, size)

	start, size = contiguousRunPowerOfTwo(0)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 0, size)
}

func TestSparseAccessGrowsCoveringBlockNotJustAlignedHotBlock(t *testing.T) {
	p := newTestPolicy(t)
	tag1Region := p.nativeSlowAddr(0, 1, 0)

	// Lines 0 and 40 are both hot, nothing in between; seed the bitmap
	// directly so this tick's bounding-box decision is exercised in
	// isolation, without an earlier single-line Track call already
	// reserving budget against the same tag.
	p.srcDist(0, 1).access = 1<<0 | 1<<40

	issued, err := p.Track(tag1Region+40*lineSize, policy.Read, 0) // line 40
	require.NoError(t, err)
	require.True(t, issued, "a sparse bounding box must still grow a covering block, not silently drop the promotion")

	req, ok := p.IssueRemapping()
	require.True(t, ok)
	require.EqualValues(t, 64, req.Size, "bits 0 and 40 only fit inside the full 64-line region")
}

func TestColdGroupEvictedAfterDecayFreesSlot(t *testing.T) {
	p := newTestPolicy(t)
	tag1Region := p.nativeSlowAddr(0, 1, 0)

	// Place four groups of 4 lines each in set 0's destination region, one
	// group per tag (1..4).
	tags := []uint8{1, 2, 3, 4}
	for _, tag := range tags {
		region := p.nativeSlowAddr(0, tag, 0)
		for line := uint64(0); line < 4; line++ {
			_, err := p.Track(region+line*lineSize, policy.Read, 0)
			require.NoError(t, err)
		}
		require.NoError(t, p.CommitRemapping())
	}
	require.EqualValues(t, 4, p.GroupCount(0))

	// Age out tag1's group: Tick marks a group cold only when a whole
	// decay interval passes with no access to it, and the accesses above
	// fall inside the first interval, so run two intervals before
	// expecting its eviction.
	for i := uint64(0); i < 2*p.decayInterval; i++ {
		p.Tick(false)
	}

	req, ok := p.IssueRemapping()
	require.True(t, ok)
	require.Equal(t, rrqueue.TierFast, req.TierSrc, "eviction moves data fast-to-slow")
	require.NoError(t, p.CommitRemapping())
	require.EqualValues(t, 3, p.GroupCount(0))

	// With the slot freed, a fresh promotion for the same region can now
	// be admitted.
	for line := uint64(0); line < 4; line++ {
		_, err := p.Track(tag1Region+line*lineSize, policy.Read, 0)
		require.NoError(t, err)
	}
	_, ok = p.IssueRemapping()
	require.True(t, ok)
}
