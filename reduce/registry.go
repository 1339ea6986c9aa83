package reduce

import (
	"sync"

	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
)

// algoKey is the Registry's lookup key: the pset.Key already encodes which
// of the three key spaces (collection, subgroup, object-group) an id
// belongs to, so one map keyed by the full (kind, id) pair cannot be asked
// about the wrong kind's id by accident the way three separate maps could.
type algoKey = pset.Key

// engineSlot owns one (Rabenseifner, RecursiveDoubling) pair per
// participant set, type-erased because the Registry itself does not know
// the element type T any given set's instances were created with — only
// the Dispatcher, which has T in scope, does.
type engineSlot struct {
	rd  any
	rab any
}

// Registry owns one engine pair per participant-set key, across all three
// key spaces.
type Registry struct {
	mu    sync.Mutex
	log   allreducelog.Logger
	slots map[algoKey]*engineSlot
	store *StateStore
}

// NewRegistry builds an empty Registry backed by store, which it clears on
// Remove.
func NewRegistry(store *StateStore, log allreducelog.Logger) *Registry {
	if log == nil {
		log = allreducelog.Default
	}
	return &Registry{slots: make(map[algoKey]*engineSlot), store: store, log: log}
}

func (r *Registry) slot(key algoKey) *engineSlot {
	s, ok := r.slots[key]
	if !ok {
		s = &engineSlot{}
		r.slots[key] = s
	}
	return s
}

// getOrCreateRecursiveDoubling returns the existing RecursiveDoubling[T]
// engine for key, constructing one via ctor if absent.
func getOrCreateRecursiveDoubling[T any](r *Registry, key algoKey, ctor func() *RecursiveDoubling[T]) *RecursiveDoubling[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(key)
	if s.rd == nil {
		s.rd = ctor()
	}
	eng, ok := s.rd.(*RecursiveDoubling[T])
	if !ok {
		r.log.Crit("registry type mismatch for RecursiveDoubling engine", "set", key)
	}
	return eng
}

// getOrCreateRabenseifner returns the existing Rabenseifner[T] engine for
// key, constructing one via ctor if absent.
func getOrCreateRabenseifner[T any](r *Registry, key algoKey, ctor func() *Rabenseifner[T]) *Rabenseifner[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slot(key)
	if s.rab == nil {
		s.rab = ctor()
	}
	eng, ok := s.rab.(*Rabenseifner[T])
	if !ok {
		r.log.Crit("registry type mismatch for Rabenseifner engine", "set", key)
	}
	return eng
}

// Remove deletes both engines for key and clears all instance state for it
// — the participant-set teardown path.
func (r *Registry) Remove(key algoKey) {
	r.mu.Lock()
	delete(r.slots, key)
	r.mu.Unlock()
	r.store.ClearAll(key)
}
