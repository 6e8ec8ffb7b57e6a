package cameo

import (
	"testing"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/stretchr/testify/require"
)

const (
	mib = 1024 * 1024
)

func TestPromoteOnThreshold(t *testing.T) {
	p, err := New(Config{FastBytes: 256 * mib, SlowBytes: 768 * mib, Threshold: 1})
	require.NoError(t, err)

	issued, err := p.Track(0x1000_0000, policy.Read, 0)
	require.NoError(t, err)
	require.True(t, issued)

	req, ok := p.IssueRemapping()
	require.True(t, ok)
	require.EqualValues(t, 0x0000_0000, req.HAFast)
	require.EqualValues(t, 0x1000_0000, req.HASlow)
	require.EqualValues(t, 1, req.Size)

	require.NoError(t, p.CommitRemapping())

	ha, err := p.Translate(0x1000_0000)
	require.NoError(t, err)
	require.EqualValues(t, 0x0000_0000, ha)

	ha, err = p.Translate(0x0000_0000)
	require.NoError(t, err)
	require.EqualValues(t, 0x1000_0000, ha)
}

func TestFastResidentLineNeverEnqueues(t *testing.T) {
	p, err := New(Config{FastBytes: 256 * mib, SlowBytes: 768 * mib, Threshold: 1})
	require.NoError(t, err)

	issued, err := p.Track(0x0, policy.Read, 0)
	require.NoError(t, err)
	require.False(t, issued)
	_, ok := p.IssueRemapping()
	require.False(t, ok)
}

func TestBackpressureSuppressesPromotion(t *testing.T) {
	p, err := New(Config{FastBytes: 256 * mib, SlowBytes: 768 * mib, Threshold: 1})
	require.NoError(t, err)

	issued, err := p.Track(0x1000_0000, policy.Read, 0.9)
	require.NoError(t, err)
	require.False(t, issued)
}

func TestRejectsNonIntegerCapacityRatio(t *testing.T) {
	_, err := New(Config{FastBytes: 256 * mib, SlowBytes: 100 * mib, Threshold: 1})
	require.Error(t, err)
}

func TestOutOfRangeAddressErrors(t *testing.T) {
	p, err := New(Config{FastBytes: 256 * mib, SlowBytes: 768 * mib, Threshold: 1})
	require.NoError(t, err)
	_, err = p.Translate(2 * 1024 * mib)
	require.Error(t, err)
}

func TestSaturatingCounterRequiresMultipleThreshold(t *testing.T) {
	p, err := New(Config{FastBytes: 256 * mib, SlowBytes: 768 * mib, Threshold: 3})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		issued, err := p.Track(0x1000_0000, policy.Read, 0)
		require.NoError(t, err)
		require.False(t, issued)
	}
	issued, err := p.Track(0x1000_0000, policy.Read, 0)
	require.NoError(t, err)
	require.True(t, issued)
}
