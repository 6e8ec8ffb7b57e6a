package statsio

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sample() Snapshot {
	return Snapshot{
		Ticks:                   100,
		Reads:                   10,
		Writes:                  5,
		PolicyKind:              "cameo",
		RemappingRequestsIssued: 2,
	}
}

func TestTextSinkWritesAllFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTextSink(&buf).Write(sample()))
	out := buf.String()
	require.True(t, strings.Contains(out, "reads"))
	require.True(t, strings.Contains(out, "cameo"))
}

func TestJSONSinkRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONSink(&buf).Write(sample()))

	var got Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, sample(), got)
}
