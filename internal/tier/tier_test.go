package tier

import (
	"testing"

	"github.com/hybridmem/hmsim/internal/policy"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	b := New("fast", 4, 1, 1)
	data := make([]byte, lineSize)
	data[0] = 0x42
	b.Write(0x1000, data)
	require.Equal(t, data, b.Read(0x1000))
}

func TestEnqueueRespectsCapacity(t *testing.T) {
	b := New("slow", 1, 1, 1)
	require.True(t, b.Enqueue(Request{HA: 0, Kind: policy.Read}))
	require.False(t, b.Enqueue(Request{HA: 64, Kind: policy.Read}))
}

func TestFractionalClockGatesCompletion(t *testing.T) {
	b := New("slow", 4, 1, 4)
	b.Enqueue(Request{HA: 0, Kind: policy.Read})

	for i := 0; i < 3; i++ {
		_, done := b.Tick()
		require.False(t, done)
	}
	_, done := b.Tick()
	require.True(t, done)
}

func TestWriteRequestAppliesDataOnCompletion(t *testing.T) {
	b := New("fast", 4, 1, 1)
	data := make([]byte, lineSize)
	data[0] = 0x99
	b.Enqueue(Request{HA: 0x40, Kind: policy.Write, Data: data})

	req, done := b.Tick()
	require.True(t, done)
	require.EqualValues(t, 0x40, req.HA)
	require.Equal(t, data, b.Read(0x40))
}
