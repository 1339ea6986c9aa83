package reduce_test

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/vtgo/allreduce/reduce"
)

func TestInt64PayloadRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 200)
	var vals []int64
	f.Fuzz(&vals)

	raw, compressed := reduce.EncodePayload[int64](reduce.Int64Codec{}, vals, 0)
	require.False(t, compressed)
	got, err := reduce.DecodePayload[int64](reduce.Int64Codec{}, raw, len(vals), false)
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestFloat64PayloadRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 200)
	var vals []float64
	f.Fuzz(&vals)

	raw, _ := reduce.EncodePayload[float64](reduce.Float64Codec{}, vals, 0)
	got, err := reduce.DecodePayload[float64](reduce.Float64Codec{}, raw, len(vals), false)
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestUint256PayloadRoundTrip(t *testing.T) {
	vals := []uint256.Int{
		*uint256.NewInt(0),
		*uint256.NewInt(1),
		*uint256.NewInt(1 << 62),
	}
	raw, _ := reduce.EncodePayload[uint256.Int](reduce.Uint256Codec{}, vals, 0)
	got, err := reduce.DecodePayload[uint256.Int](reduce.Uint256Codec{}, raw, len(vals), false)
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

// TestPayloadCompressionRoundTrip exercises the snappy compression path
// taken once a payload crosses compressAbove.
func TestPayloadCompressionRoundTrip(t *testing.T) {
	vals := make([]int64, 2000)
	for i := range vals {
		vals[i] = int64(i % 7)
	}
	raw, compressed := reduce.EncodePayload[int64](reduce.Int64Codec{}, vals, 128)
	require.True(t, compressed)
	got, err := reduce.DecodePayload[int64](reduce.Int64Codec{}, raw, len(vals), true)
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestDecodePayloadRejectsLengthMismatch(t *testing.T) {
	_, err := reduce.DecodePayload[int64](reduce.Int64Codec{}, make([]byte, 7), 1, false)
	require.Error(t, err)
}
