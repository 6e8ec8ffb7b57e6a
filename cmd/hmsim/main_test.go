package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hybridmem/hmsim/internal/config"
	"github.com/stretchr/testify/require"
)

func TestBuildPolicyCAMEO(t *testing.T) {
	tier1 := config.Tier{CapacityBytes: 256 * 1024 * 1024}
	tier2 := config.Tier{CapacityBytes: 768 * 1024 * 1024}
	m := config.Mapping{Policy: "cameo", Threshold: 1}

	pol, err := buildPolicy(m, tier1, tier2)
	require.NoError(t, err)
	require.NotNil(t, pol)
}

func TestBuildPolicyUnknown(t *testing.T) {
	_, err := buildPolicy(config.Mapping{Policy: "nonsense"}, config.Tier{}, config.Tier{})
	require.Error(t, err)
}

func TestReplayTraceParsesReadsAndWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.txt")
	require.NoError(t, os.WriteFile(path, []byte("R 0x1000\nW 0x2000 deadbeef\n# comment\n\n"), 0o644))

	var got []access
	err := replayTrace(path, false, func(a access) error {
		got = append(got, a)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.False(t, got[0].write)
	require.EqualValues(t, 0x1000, got[0].pa)
	require.True(t, got[1].write)
	require.EqualValues(t, 0x2000, got[1].pa)
}

func TestReplayTraceCloudsuiteOffsetsSecondAddressSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.txt")
	require.NoError(t, os.WriteFile(path, []byte("R 0 0x1000\nW 1 0x2000 deadbeef\n"), 0o644))

	var got []access
	err := replayTrace(path, true, func(a access) error {
		got = append(got, a)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 0x1000, got[0].pa, "address space 0 is unshifted")
	require.EqualValues(t, 0x2000+cloudsuiteAddressSpaceOffset, got[1].pa, "address space 1 must not alias space 0")
}
