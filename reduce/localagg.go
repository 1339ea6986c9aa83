package reduce

import (
	"github.com/vtgo/allreduce/pset"
)

// LocalAggregator accumulates repeated local contributions to one instance
// before the global phase begins: a rank with several local elements (one
// virtual collection element per core, say) folds them together with Op
// before a single value enters the collective exchange. It is not part of
// the Dispatcher's public surface; it lives alongside the engines rather
// than inside them.
type LocalAggregator[T any] struct {
	adapt Adapter[T]
	val   []T
	has   bool
}

// NewLocalAggregator builds an aggregator around op, the same combine
// function the eventual collective reduction will use.
func NewLocalAggregator[T any](op Op[T]) *LocalAggregator[T] {
	return &LocalAggregator[T]{adapt: NewAdapter(op)}
}

// Add folds v into the running local accumulator. The first call seeds the
// accumulator; later calls must supply a value of the same length.
func (a *LocalAggregator[T]) Add(v []T) {
	if !a.has {
		a.val = a.adapt.Clone(v)
		a.has = true
		return
	}
	a.adapt.ReduceWhole(a.val, v)
}

// Value returns the aggregator's current combined value. It is safe to
// call Value and keep calling Add afterwards; the slice returned is a
// snapshot and will not be mutated by later Add calls.
func (a *LocalAggregator[T]) Value() []T {
	return a.adapt.Clone(a.val)
}

// AllreduceLocal starts the global reduction from a LocalAggregator's
// current value rather than a caller-supplied slice: repeated local Add
// calls fold together before the single combined value enters the
// collective exchange.
func AllreduceLocal[T any](d *Dispatcher, set pset.Set, agg *LocalAggregator[T], op Op[T], codec ElemCodec[T], cb func([]T)) error {
	return Allreduce(d, set, op, codec, agg.Value(), cb)
}
