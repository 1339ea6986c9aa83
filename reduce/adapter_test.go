package reduce_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtgo/allreduce/reduce"
)

func TestAdapterReduceIntoOffsets(t *testing.T) {
	adapt := reduce.NewAdapter(reduce.Sum[int64]())
	dst := []int64{10, 20, 30, 40}
	adapt.ReduceInto(dst, 2, []int64{1, 2})
	require.Equal(t, []int64{10, 20, 31, 42}, dst)
}

func TestAdapterReduceWhole(t *testing.T) {
	adapt := reduce.NewAdapter(reduce.Max[int64]())
	dst := []int64{1, 9, 2}
	adapt.ReduceWhole(dst, []int64{5, 3, 8})
	require.Equal(t, []int64{5, 9, 8}, dst)
}

func TestAdapterSliceDoesNotCopy(t *testing.T) {
	adapt := reduce.NewAdapter(reduce.Sum[int64]())
	v := []int64{1, 2, 3, 4, 5}
	s := adapt.Slice(v, 1, 3)
	s[0] = 99
	require.Equal(t, int64(99), v[1], "Slice must alias the source, not copy it")
}

func TestAdapterCloneIsIndependent(t *testing.T) {
	adapt := reduce.NewAdapter(reduce.Sum[int64]())
	v := []int64{1, 2, 3}
	clone := adapt.Clone(v)
	clone[0] = 99
	require.Equal(t, int64(1), v[0])
}

func TestAdapterCopyOverwritesOffset(t *testing.T) {
	adapt := reduce.NewAdapter(reduce.Sum[int64]())
	dst := []int64{1, 2, 3, 4}
	adapt.Copy(dst, 1, []int64{7, 8})
	require.Equal(t, []int64{1, 7, 8, 4}, dst)
}
