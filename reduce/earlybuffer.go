package reduce

import (
	"sync"

	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/transport"
)

// earlyMsg is one message stashed because it arrived before its engine
// existed on this rank.
type earlyMsg struct {
	src     pset.Rank
	payload []byte
}

// earlyArrivalBuffer holds messages for (set, tag) pairs whose engine has
// not yet been constructed locally — possible when a non-default subgroup
// has not finished local construction. This is distinct from the
// per-instance "value not assigned yet" buffering that lives in the
// algorithm state itself; this buffer operates purely on raw wire bytes,
// before any typed state exists.
type earlyArrivalBuffer struct {
	mu   sync.Mutex
	msgs map[pset.Key]map[transport.Tag][]earlyMsg
}

func newEarlyArrivalBuffer() *earlyArrivalBuffer {
	return &earlyArrivalBuffer{msgs: make(map[pset.Key]map[transport.Tag][]earlyMsg)}
}

func (b *earlyArrivalBuffer) stash(key pset.Key, tag transport.Tag, src pset.Rank, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byTag, ok := b.msgs[key]
	if !ok {
		byTag = make(map[transport.Tag][]earlyMsg)
		b.msgs[key] = byTag
	}
	byTag[tag] = append(byTag[tag], earlyMsg{src: src, payload: payload})
}

// drain removes and returns every message stashed for (key, tag), in
// arrival order.
func (b *earlyArrivalBuffer) drain(key pset.Key, tag transport.Tag) []earlyMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	byTag, ok := b.msgs[key]
	if !ok {
		return nil
	}
	out := byTag[tag]
	delete(byTag, tag)
	return out
}

// bootstrap installs a fallback handler for tag that only stashes
// messages, used until a real engine registers its own handler in its
// place. It replaces whatever handler is registered for tag, a real
// engine's included, so callers only invoke it before engine construction.
func (b *earlyArrivalBuffer) bootstrap(reg transport.Registrar, key pset.Key, tag transport.Tag) {
	reg.Register(tag, func(src pset.Rank, payload []byte) {
		b.stash(key, tag, src, payload)
	})
}
