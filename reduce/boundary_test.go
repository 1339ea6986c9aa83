package reduce_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/reduce"
)

// TestSingleRank covers the P=1 boundary case: the callback fires locally
// with the unchanged input, with no messages exchanged.
func TestSingleRank(t *testing.T) {
	rs := ranksUpTo(1)
	c := newCluster(t, rs, defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}
	set := pset.NewSet(key, rs, 0, true)

	var got []int64
	require.NoError(t, reduce.Allreduce[int64](c.dispatcher(0), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{42},
		func(v []int64) { got = v }))

	require.Equal(t, []int64{42}, got)
}

// TestTwoRanks covers the P=2 degenerate case: one exchange step, no
// adjustment phase.
func TestTwoRanks(t *testing.T) {
	rs := ranksUpTo(2)
	c := newCluster(t, rs, defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}

	var results sync.Map
	for _, r := range rs {
		set := pset.NewSet(key, rs, r, true)
		r := r
		require.NoError(t, reduce.Allreduce[int64](c.dispatcher(r), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{int64(r) + 1},
			func(v []int64) { results.Store(r, v) }))
	}
	c.drain()

	got := collectInt64(&results)
	require.Len(t, got, 2)
	for _, r := range rs {
		require.Equal(t, []int64{3}, got[r])
	}
}

// TestNonPowerOfTwoParticipantCounts covers P in {3,5,6,7}: R = P - P2 > 0
// in every case, exercising both odd and even adjustment roles.
func TestNonPowerOfTwoParticipantCounts(t *testing.T) {
	for _, p := range []int{3, 5, 6, 7} {
		p := p
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			rs := ranksUpTo(p)
			c := newCluster(t, rs, defaultCfg())
			key := pset.Key{Kind: pset.Collection, ID: 1}

			var want int64
			var results sync.Map
			for _, r := range rs {
				want += int64(r)
			}
			for _, r := range rs {
				set := pset.NewSet(key, rs, r, true)
				r := r
				require.NoError(t, reduce.Allreduce[int64](c.dispatcher(r), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{int64(r)},
					func(v []int64) { results.Store(r, v) }))
			}
			c.drain()

			got := collectInt64(&results)
			require.Lenf(t, got, p, "P=%d", p)
			for _, r := range rs {
				require.Equalf(t, []int64{want}, got[r], "P=%d rank=%d", p, r)
			}
		})
	}
}

// TestScalarPayload covers N=1: a plain scalar reduction.
func TestScalarPayload(t *testing.T) {
	rs := ranksUpTo(5)
	c := newCluster(t, rs, defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}

	var results sync.Map
	for _, r := range rs {
		set := pset.NewSet(key, rs, r, true)
		r := r
		require.NoError(t, reduce.Allreduce[int64](c.dispatcher(r), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{1},
			func(v []int64) { results.Store(r, v) }))
	}
	c.drain()

	got := collectInt64(&results)
	for _, r := range rs {
		require.Equal(t, []int64{5}, got[r])
	}
}

// TestThresholdBoundary exercises payload sizes directly on each side of
// the dispatcher's algorithm-selection threshold, confirming both engines
// produce the same correct sum.
func TestThresholdBoundary(t *testing.T) {
	cfg := allreducecfg.Default()
	cfg.Threshold = 8

	for _, n := range []int{7, 8} {
		n := n
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			rs := ranksUpTo(4)
			c := newCluster(t, rs, cfg)
			key := pset.Key{Kind: pset.Collection, ID: 1}

			var results sync.Map
			for _, r := range rs {
				set := pset.NewSet(key, rs, r, true)
				payload := make([]int64, n)
				for i := range payload {
					payload[i] = int64(r)
				}
				r := r
				require.NoError(t, reduce.Allreduce[int64](c.dispatcher(r), set, reduce.Sum[int64](), reduce.Int64Codec{}, payload,
					func(v []int64) { results.Store(r, v) }))
			}
			c.drain()

			got := collectInt64(&results)
			require.Len(t, got, 4)
			for _, r := range rs {
				for _, e := range got[r] {
					require.Equal(t, int64(6), e, "n=%d rank=%d", n, r)
				}
			}
		})
	}
}

// TestRepeatedAllreduceSameValue is the round-trip/idempotence law: running
// allreduce twice with the same inputs on the same set yields two callbacks
// each with the same value.
func TestRepeatedAllreduceSameValue(t *testing.T) {
	rs := ranksUpTo(4)
	c := newCluster(t, rs, defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}

	for round := 0; round < 2; round++ {
		var results sync.Map
		for _, r := range rs {
			set := pset.NewSet(key, rs, r, true)
			r := r
			require.NoError(t, reduce.Allreduce[int64](c.dispatcher(r), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{int64(r)},
				func(v []int64) { results.Store(r, v) }))
		}
		c.drain()

		got := collectInt64(&results)
		require.Len(t, got, 4, "round %d", round)
		for _, r := range rs {
			require.Equal(t, []int64{6}, got[r], "round %d rank %d", round, r)
		}
	}
}

// TestAllreduceRejectsNonMemberRank exercises the ErrNotMember path: a rank
// not listed in a set must never start a reduction against it.
func TestAllreduceRejectsNonMemberRank(t *testing.T) {
	rs := ranksUpTo(3)
	outsider := pset.Rank(99)
	c := newCluster(t, append(append([]pset.Rank{}, rs...), outsider), defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}
	set := pset.NewSet(key, rs, -1, true)

	err := reduce.Allreduce[int64](c.dispatcher(outsider), set, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{1}, func([]int64) {})
	require.Error(t, err)
	var notMember *reduce.ErrNotMember
	require.ErrorAs(t, err, &notMember)
	require.Equal(t, outsider, notMember.Rank)
}

// TestAllreduceRejectsSizeMismatchOnReusedInstance exercises the
// ErrSizeMismatch path: starting the same instance id twice with payloads
// of different lengths must fail rather than silently corrupt state.
func TestAllreduceRejectsSizeMismatchOnReusedInstance(t *testing.T) {
	rs := ranksUpTo(2)
	c := newCluster(t, rs, defaultCfg())
	key := pset.Key{Kind: pset.Collection, ID: 1}
	set0 := pset.NewSet(key, rs, 0, true)

	require.NoError(t, reduce.Allreduce[int64](c.dispatcher(0), set0, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{1, 2}, func([]int64) {}))

	// Instance 0 is still in flight (rank 1 hasn't started it yet), so a
	// second Start call for the same instance id with a different payload
	// length must be rejected rather than silently reinitializing.
	err := reduce.Allreduce[int64](c.dispatcher(0), set0, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{1}, func([]int64) {})
	require.Error(t, err)
	var sizeErr *reduce.ErrSizeMismatch
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, 2, sizeErr.Want)
	require.Equal(t, 1, sizeErr.Got)
}
