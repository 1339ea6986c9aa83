package reduce

import (
	"sync"

	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
)

// instanceTable is one participant set's vector of per-instance state plus
// the next-free-id cursor.
type instanceTable struct {
	slots  []any
	active []bool
	cursor int
}

// StateStore owns all per-instance state, keyed by (kind, set id,
// instance id). It is the only place in the package that performs a
// type-assertion on stored state, the sole remaining dynamic-cast
// boundary in the package.
type StateStore struct {
	mu     sync.Mutex
	log    allreducelog.Logger
	tables map[pset.Key]*instanceTable
}

// NewStateStore builds an empty StateStore.
func NewStateStore(log allreducelog.Logger) *StateStore {
	if log == nil {
		log = allreducelog.Default
	}
	return &StateStore{log: log, tables: make(map[pset.Key]*instanceTable)}
}

func (s *StateStore) table(key pset.Key) *instanceTable {
	t, ok := s.tables[key]
	if !ok {
		t = &instanceTable{}
		s.tables[key] = t
	}
	return t
}

func (t *instanceTable) ensure(id uint64) {
	for uint64(len(t.slots)) <= id {
		t.slots = append(t.slots, nil)
		t.active = append(t.active, false)
	}
}

// getInstanceState lazily constructs (via ctor) and returns the concrete
// state for (key, id), asserting it against S — a message routed to a slot
// holding a different algorithm's state is a fatal assertion, never a
// silent nil. The check covers the state type only: a second message for
// an already-received step is not detected and overwrites the first.
func getInstanceState[S any](s *StateStore, key pset.Key, id uint64, ctor func() *S) *S {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(key)
	t.ensure(id)
	if t.slots[id] == nil {
		t.slots[id] = ctor()
		t.active[id] = true
	}
	state, ok := t.slots[id].(*S)
	if !ok {
		err := newFatal(key, id, "", -1, "state store type mismatch: instance slot holds a different algorithm's state")
		s.log.Crit(err.Error())
	}
	return state
}

// GetNextID scans from the set's cursor for a reusable hole (an empty or
// inactive slot); if none is found before the end of the vector, it
// allocates a new slot. The cursor only ever advances, so a hole below the
// cursor is never revisited.
func (s *StateStore) GetNextID(key pset.Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(key)
	id := uint64(len(t.slots))
	for i := t.cursor; i < len(t.slots); i++ {
		if t.slots[i] == nil || !t.active[i] {
			id = uint64(i)
			break
		}
	}
	t.ensure(id)
	t.cursor = int(id) + 1
	return id
}

// ClearSingle resets the (key, id) slot to empty. GetNextID hands an empty
// slot out again only if it lies at or above the set's cursor.
func (s *StateStore) ClearSingle(key pset.Key, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[key]
	if !ok || id >= uint64(len(t.slots)) {
		err := newFatal(key, id, "", -1, "clearSingle called on an instance that was never allocated")
		s.log.Crit(err.Error())
		return
	}
	t.slots[id] = nil
	t.active[id] = false
}

// ClearAll erases all state for key, used on participant-set teardown.
func (s *StateStore) ClearAll(key pset.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, key)
}

// Len reports how many active instance slots exist for key (holes are not
// counted);
// exposed for tests verifying StateStore-emptiness round-trip properties.
func (s *StateStore) Len(key pset.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[key]
	if !ok {
		return 0
	}
	n := 0
	for _, a := range t.active {
		if a {
			n++
		}
	}
	return n
}
