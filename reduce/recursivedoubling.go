package reduce

import (
	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/transport"
)

const algoRecursiveDoubling = "rd"

// RecursiveDoubling is the O(log P) message-count allreduce engine. One
// engine is constructed per participant set (not per reduction); it fans
// out across any number of concurrent instance ids via the StateStore.
type RecursiveDoubling[T any] struct {
	key   pset.Key
	set   pset.Set
	topo  pset.Topology
	adapt Adapter[T]
	codec ElemCodec[T]

	rankIndex           int
	vrt                 int
	isEven              bool
	isInAdjustmentGroup bool

	sender transport.Sender
	store  *StateStore
	early  *earlyArrivalBuffer
	cfg    allreducecfg.Config
	log    allreducelog.Logger

	tagAdjust    transport.Tag
	tagReduce    transport.Tag
	tagExcluded  transport.Tag
}

// NewRecursiveDoubling constructs the engine for set, registers its wire
// handlers, and replays any messages the early-arrival buffer had stashed
// for this set before the engine existed.
func NewRecursiveDoubling[T any](
	set pset.Set,
	op Op[T],
	codec ElemCodec[T],
	sender transport.Sender,
	registrar transport.Registrar,
	store *StateStore,
	early *earlyArrivalBuffer,
	cfg allreducecfg.Config,
	log allreducelog.Logger,
) *RecursiveDoubling[T] {
	if log == nil {
		log = allreducelog.Default
	}
	topo := pset.NewTopology(set.Size())
	rankIndex := set.LocalIndex
	e := &RecursiveDoubling[T]{
		key:                 set.Key,
		set:                 set,
		topo:                topo,
		adapt:               NewAdapter(op),
		codec:               codec,
		rankIndex:           rankIndex,
		vrt:                 topo.VirtualRank(rankIndex),
		isEven:              rankIndex%2 == 0,
		isInAdjustmentGroup: topo.InAdjustmentGroup(rankIndex),
		sender:              sender,
		store:               store,
		early:               early,
		cfg:                 cfg,
		log:                 log,
		tagAdjust:           tag(algoRecursiveDoubling, set.Key, PhaseAdjustFinal),
		tagReduce:           tag(algoRecursiveDoubling, set.Key, PhaseReduceIter),
		tagExcluded:         tag(algoRecursiveDoubling, set.Key, PhaseExcludedBroadcast),
	}

	registrar.Register(e.tagAdjust, e.handleAdjust)
	registrar.Register(e.tagReduce, e.handleReduceIter)
	registrar.Register(e.tagExcluded, e.handleExcluded)

	for _, t := range []transport.Tag{e.tagAdjust, e.tagReduce, e.tagExcluded} {
		for _, m := range early.drain(set.Key, t) {
			e.dispatchRaw(t, m.src, m.payload)
		}
	}
	return e
}

func (e *RecursiveDoubling[T]) dispatchRaw(t transport.Tag, src pset.Rank, payload []byte) {
	switch t {
	case e.tagAdjust:
		e.handleAdjust(src, payload)
	case e.tagReduce:
		e.handleReduceIter(src, payload)
	case e.tagExcluded:
		e.handleExcluded(src, payload)
	}
}

func (e *RecursiveDoubling[T]) state(id uint64) *recursiveDoublingState[T] {
	return getInstanceState(e.store, e.key, id, func() *recursiveDoublingState[T] {
		return newRecursiveDoublingState[T](e.topo.Steps)
	})
}

func (e *RecursiveDoubling[T]) initState(st *recursiveDoublingState[T]) {
	st.step = 0
	st.mask = 1
	st.finishedAdjustment = !e.isInAdjustmentGroup
	st.initialized = true
}

// Start is the dispatcher's entry point: assigns the local payload for
// instance id and begins (or resumes, if messages for later steps already
// arrived) the protocol.
func (e *RecursiveDoubling[T]) Start(id uint64, val []T, cb func([]T)) error {
	st := e.state(id)
	if !st.initialized {
		e.initState(st)
	}
	if !st.valueAssigned {
		st.size = len(val)
	} else if st.size != len(val) {
		return &ErrSizeMismatch{Set: e.key, Instance: id, Want: st.size, Got: len(val)}
	}
	st.val = val
	st.valueAssigned = true
	st.active = true
	st.finalCallback = cb

	if e.topo.P < 2 {
		e.executeFinal(id, st)
		return nil
	}
	e.runProtocol(id, st)
	return nil
}

func (e *RecursiveDoubling[T]) runProtocol(id uint64, st *recursiveDoublingState[T]) {
	if e.isInAdjustmentGroup {
		e.adjustForPowerOfTwo(id, st)
	} else {
		e.reduceIter(id, st)
	}
}

func (e *RecursiveDoubling[T]) adjustForPowerOfTwo(id uint64, st *recursiveDoublingState[T]) {
	if e.isInAdjustmentGroup && !e.isEven {
		partnerIdx := e.rankIndex - 1
		e.send(e.tagAdjust, partnerIdx, id, 0, st.val)
		return
	}
	// even adjustment member: nothing to send; wait for (or replay) the
	// odd partner's value.
	if st.hasAdjustMessage {
		msg := st.adjustMessage
		st.hasAdjustMessage = false
		e.reduceAdjust(id, st, msg)
	}
}

func (e *RecursiveDoubling[T]) handleAdjust(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("recursivedoubling: bad adjust message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	if !st.valueAssigned {
		if !st.initialized {
			e.initState(st)
		}
		st.hasAdjustMessage = true
		st.adjustMessage = vals
		return
	}
	e.reduceAdjust(h.InstanceID, st, vals)
}

func (e *RecursiveDoubling[T]) reduceAdjust(id uint64, st *recursiveDoublingState[T], peer []T) {
	e.adapt.ReduceWhole(st.val, peer)
	st.finishedAdjustment = true
	e.reduceIter(id, st)
}

func (e *RecursiveDoubling[T]) allMessagesReceived(st *recursiveDoublingState[T]) bool {
	for i := 0; i < st.step; i++ {
		if !st.stepsRecv[i] {
			return false
		}
	}
	return true
}

func (e *RecursiveDoubling[T]) isReady(st *recursiveDoublingState[T]) bool {
	if e.isInAdjustmentGroup && st.finishedAdjustment && st.step == 0 {
		return true
	}
	return e.allMessagesReceived(st)
}

func (e *RecursiveDoubling[T]) isDone(st *recursiveDoublingState[T]) bool {
	return st.step == e.topo.Steps && e.allMessagesReceived(st)
}

func (e *RecursiveDoubling[T]) reduceIter(id uint64, st *recursiveDoublingState[T]) {
	if !e.isReady(st) {
		return
	}

	vdest := e.vrt ^ st.mask
	destIdx := e.topo.DestRankIndex(vdest)
	e.send(e.tagReduce, destIdx, id, int32(st.step), st.val)

	st.mask <<= 1
	st.step++

	e.tryReduce(st, st.step-1)

	if e.isDone(st) {
		e.finalPart(id, st)
	} else if e.isReady(st) {
		e.reduceIter(id, st)
	}
}

func (e *RecursiveDoubling[T]) tryReduce(st *recursiveDoublingState[T], step int) {
	allPriorReduced := true
	for i := 0; i < step; i++ {
		if !st.stepsReduced[i] {
			allPriorReduced = false
			break
		}
	}
	if step < st.step && !st.stepsReduced[step] && st.stepsRecv[step] && allPriorReduced {
		e.adapt.ReduceWhole(st.val, st.messages[step])
		st.stepsReduced[step] = true
	}
}

func (e *RecursiveDoubling[T]) handleReduceIter(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("recursivedoubling: bad reduce-iter message", "err", err)
		return
	}
	id := h.InstanceID
	step := int(h.Step)
	st := e.state(id)

	if !st.valueAssigned {
		if !st.initialized {
			e.initState(st)
		}
		e.storeStepMessage(st, step, vals)
		return
	}

	e.storeStepMessage(st, step, vals)

	// A message for a later step can arrive before the adjustment phase
	// finishes on this rank; defer until adjustment completes.
	if !st.finishedAdjustment {
		return
	}

	e.tryReduce(st, step)

	if st.mask < e.topo.P2 && e.isReady(st) {
		e.reduceIter(id, st)
	} else if e.isDone(st) {
		e.finalPart(id, st)
	}
}

func (e *RecursiveDoubling[T]) storeStepMessage(st *recursiveDoublingState[T], step int, vals []T) {
	if step >= len(st.messages) {
		e.log.Crit("recursivedoubling: step out of range", "step", step)
		return
	}
	st.messages[step] = vals
	st.stepsRecv[step] = true
}

func (e *RecursiveDoubling[T]) sendToExcludedNodes(id uint64, st *recursiveDoublingState[T]) {
	if e.isInAdjustmentGroup && e.isEven {
		partnerIdx := e.rankIndex + 1
		e.send(e.tagExcluded, partnerIdx, id, 0, st.val)
	}
}

func (e *RecursiveDoubling[T]) handleExcluded(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("recursivedoubling: bad excluded-broadcast message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	st.val = vals
	e.executeFinal(h.InstanceID, st)
}

func (e *RecursiveDoubling[T]) finalPart(id uint64, st *recursiveDoublingState[T]) {
	if st.completed {
		return
	}
	if e.topo.R > 0 {
		e.sendToExcludedNodes(id, st)
	}
	e.executeFinal(id, st)
}

func (e *RecursiveDoubling[T]) executeFinal(id uint64, st *recursiveDoublingState[T]) {
	if st.completed {
		return
	}
	st.completed = true
	cb := st.finalCallback
	val := st.val
	e.store.ClearSingle(e.key, id)
	if cb != nil {
		cb(val)
	}
}

func (e *RecursiveDoubling[T]) send(t transport.Tag, destIdx int, id uint64, step int32, val []T) {
	dest := e.set.RankAt(destIdx)
	msg := encodeMessage(e.codec, id, step, val, e.cfg.CompressAbove)
	if err := e.sender.Send(dest, t, msg); err != nil {
		e.log.Crit("recursivedoubling: send failed", "dest", dest, "err", err)
	}
}
