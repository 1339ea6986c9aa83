package reduce

import (
	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/transport"
)

// Dispatcher is the single public entry point: it picks an algorithm by
// payload size, allocates an instance id, and starts the reduction. It is
// deliberately thin — it owns no per-instance state of its own, delegating
// everything to the Registry and StateStore.
type Dispatcher struct {
	local    pset.Rank
	registry *Registry
	store    *StateStore
	early    *earlyArrivalBuffer
	net      *transport.Network
	cfg      allreducecfg.Config
	log      allreducelog.Logger
}

// NewDispatcher wires a Dispatcher for local against an in-memory transport
// network. One Dispatcher corresponds to one rank, regardless of how many
// participant sets it ends up driving reductions for.
func NewDispatcher(net *transport.Network, local pset.Rank, cfg allreducecfg.Config, log allreducelog.Logger) *Dispatcher {
	if log == nil {
		log = allreducelog.Default
	}
	store := NewStateStore(log)
	return &Dispatcher{
		local:    local,
		registry: NewRegistry(store, log),
		store:    store,
		early:    newEarlyArrivalBuffer(),
		net:      net,
		cfg:      cfg,
		log:      log,
	}
}

// RegisterSet installs early-arrival fallback handlers for every phase tag
// of set, for both algorithms, before any engine exists locally. This lets
// a rank that has not yet locally constructed its engine for a non-default
// subgroup still receive (and buffer) messages other members send early.
func (d *Dispatcher) RegisterSet(set pset.Set) {
	endpoint := d.net.Endpoint(d.local)
	phases := []Phase{
		PhaseAdjustLeft, PhaseAdjustRight, PhaseAdjustFinal,
		PhaseScatter, PhaseGather, PhaseReduceIter, PhaseExcludedBroadcast,
	}
	for _, algo := range []string{algoRecursiveDoubling, algoRabenseifner} {
		for _, p := range phases {
			d.early.bootstrap(endpoint, set.Key, tag(algo, set.Key, p))
		}
	}
}

// selectAlgo reports which engine kind handles a payload of n elements: a
// deterministic function of payload size alone, so every rank of the set
// agrees without coordination.
func (d *Dispatcher) selectAlgo(n int) bool {
	threshold := d.cfg.Threshold
	if threshold <= 0 {
		threshold = allreducecfg.DefaultThreshold
	}
	return n < threshold // true => RecursiveDoubling
}

// Allreduce is the dispatcher's single public operation. It allocates an
// instance id for set, installs cb as the final callback, and starts the
// reduction on whichever engine the payload size selects. It returns
// ErrNotMember if the local rank does not belong to set, or whatever
// error the selected engine's Start reports (an ErrSizeMismatch if this
// instance id was already assigned a payload of a different length).
func Allreduce[T any](d *Dispatcher, set pset.Set, op Op[T], codec ElemCodec[T], payload []T, cb func([]T)) error {
	if !set.IsMember(d.local) {
		return &ErrNotMember{Set: set.Key, Rank: d.local}
	}
	endpoint := d.net.Endpoint(d.local)
	id := d.store.GetNextID(set.Key)

	if d.selectAlgo(len(payload)) {
		eng := getOrCreateRecursiveDoubling[T](d.registry, set.Key, func() *RecursiveDoubling[T] {
			return NewRecursiveDoubling[T](set, op, codec, endpoint, endpoint, d.store, d.early, d.cfg, d.log)
		})
		return eng.Start(id, payload, cb)
	}

	eng := getOrCreateRabenseifner[T](d.registry, set.Key, func() *Rabenseifner[T] {
		return NewRabenseifner[T](set, op, codec, endpoint, endpoint, d.store, d.early, d.cfg, d.log)
	})
	return eng.Start(id, payload, cb)
}

// Teardown removes both engines and all instance state for set.
func (d *Dispatcher) Teardown(key pset.Key) {
	d.registry.Remove(key)
}
