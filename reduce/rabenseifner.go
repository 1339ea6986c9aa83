package reduce

import (
	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/transport"
)

const algoRabenseifner = "rab"

// Rabenseifner is the bandwidth-optimal allreduce engine (reduce-scatter
// then allgather). Like RecursiveDoubling, one engine is constructed per
// participant set and fans out across concurrent instance ids via the
// StateStore; unlike RecursiveDoubling's working value, Rabenseifner's
// butterfly halving index tables depend on the payload size of each
// instance, so they are computed per-instance (in initState) rather than
// once at engine construction.
type Rabenseifner[T any] struct {
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

	tagAdjustLeft  transport.Tag
	tagAdjustRight transport.Tag
	tagAdjustFinal transport.Tag
	tagScatter     transport.Tag
	tagGather      transport.Tag
	tagExcluded    transport.Tag
}

// NewRabenseifner constructs the engine for set, registers its wire
// handlers, and replays any messages the early-arrival buffer had stashed
// for this set before the engine existed.
func NewRabenseifner[T any](
	set pset.Set,
	op Op[T],
	codec ElemCodec[T],
	sender transport.Sender,
	registrar transport.Registrar,
	store *StateStore,
	early *earlyArrivalBuffer,
	cfg allreducecfg.Config,
	log allreducelog.Logger,
) *Rabenseifner[T] {
	if log == nil {
		log = allreducelog.Default
	}
	topo := pset.NewTopology(set.Size())
	rankIndex := set.LocalIndex
	e := &Rabenseifner[T]{
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
		tagAdjustLeft:       tag(algoRabenseifner, set.Key, PhaseAdjustLeft),
		tagAdjustRight:      tag(algoRabenseifner, set.Key, PhaseAdjustRight),
		tagAdjustFinal:      tag(algoRabenseifner, set.Key, PhaseAdjustFinal),
		tagScatter:          tag(algoRabenseifner, set.Key, PhaseScatter),
		tagGather:           tag(algoRabenseifner, set.Key, PhaseGather),
		tagExcluded:         tag(algoRabenseifner, set.Key, PhaseExcludedBroadcast),
	}

	registrar.Register(e.tagAdjustLeft, e.handleAdjustLeft)
	registrar.Register(e.tagAdjustRight, e.handleAdjustRight)
	registrar.Register(e.tagAdjustFinal, e.handleAdjustFinal)
	registrar.Register(e.tagScatter, e.handleScatter)
	registrar.Register(e.tagGather, e.handleGather)
	registrar.Register(e.tagExcluded, e.handleExcluded)

	allTags := []transport.Tag{
		e.tagAdjustLeft, e.tagAdjustRight, e.tagAdjustFinal,
		e.tagScatter, e.tagGather, e.tagExcluded,
	}
	for _, t := range allTags {
		for _, m := range early.drain(set.Key, t) {
			e.dispatchRaw(t, m.src, m.payload)
		}
	}
	return e
}

func (e *Rabenseifner[T]) dispatchRaw(t transport.Tag, src pset.Rank, payload []byte) {
	switch t {
	case e.tagAdjustLeft:
		e.handleAdjustLeft(src, payload)
	case e.tagAdjustRight:
		e.handleAdjustRight(src, payload)
	case e.tagAdjustFinal:
		e.handleAdjustFinal(src, payload)
	case e.tagScatter:
		e.handleScatter(src, payload)
	case e.tagGather:
		e.handleGather(src, payload)
	case e.tagExcluded:
		e.handleExcluded(src, payload)
	}
}

func (e *Rabenseifner[T]) state(id uint64) *rabenseifnerState[T] {
	return getInstanceState(e.store, e.key, id, func() *rabenseifnerState[T] {
		return newRabenseifnerState[T](e.topo.Steps, e.topo.P2)
	})
}

// initState computes the butterfly halving index tables for a payload of n
// elements. This runs once per instance, as soon as the payload size for
// that instance is known locally — not at engine construction, since N
// varies per instance.
func (e *Rabenseifner[T]) initState(st *rabenseifnerState[T], n int) {
	st.size = n
	st.finishedAdjustment = !e.isInAdjustmentGroup
	st.initialized = true

	wsize := n
	step := 0
	for mask := 1; mask < e.topo.P2; mask <<= 1 {
		vdest := e.vrt ^ mask
		dest := e.topo.DestRankIndex(vdest)

		if e.rankIndex < dest {
			st.rCount[step] = wsize / 2
			st.sCount[step] = wsize - st.rCount[step]
			st.sIndex[step] = st.rIndex[step] + st.rCount[step]
		} else {
			st.sCount[step] = wsize / 2
			st.rCount[step] = wsize - st.sCount[step]
			st.rIndex[step] = st.sIndex[step] + st.sCount[step]
		}

		if step+1 < e.topo.Steps {
			st.rIndex[step+1] = st.rIndex[step]
			st.sIndex[step+1] = st.rIndex[step]
			wsize = st.rCount[step]
			step++
		}
	}
}

// Start is the dispatcher's entry point: assigns the local payload for
// instance id and begins the protocol, replaying any adjustment messages
// that arrived before the payload size (and hence the index tables) were
// known.
func (e *Rabenseifner[T]) Start(id uint64, val []T, cb func([]T)) error {
	st := e.state(id)
	if !st.initialized {
		e.initState(st, len(val))
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

	if st.hasLeftAdjust {
		peer := st.leftAdjust
		st.hasLeftAdjust = false
		e.reduceLeft(st, peer)
	}
	if st.hasRightAdjust {
		peer := st.rightAdjust
		st.hasRightAdjust = false
		e.reduceRightAndReply(id, st, peer)
	}

	e.runProtocol(id, st)
	return nil
}

func (e *Rabenseifner[T]) runProtocol(id uint64, st *rabenseifnerState[T]) {
	if e.topo.R > 0 && e.isInAdjustmentGroup {
		e.adjustForPowerOfTwo(id, st)
	} else {
		e.scatterReduceIter(id, st)
	}
}

func (e *Rabenseifner[T]) adjustForPowerOfTwo(id uint64, st *rabenseifnerState[T]) {
	half := st.size / 2
	if e.isEven {
		partnerIdx := e.rankIndex + 1
		e.send(e.tagAdjustRight, partnerIdx, id, 0, e.adapt.Slice(st.val, half, st.size-half))
	} else {
		partnerIdx := e.rankIndex - 1
		e.send(e.tagAdjustLeft, partnerIdx, id, 0, e.adapt.Slice(st.val, 0, half))
	}
}

func (e *Rabenseifner[T]) handleAdjustLeft(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad adjust-left message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	if !st.valueAssigned {
		st.hasLeftAdjust = true
		st.leftAdjust = vals
		return
	}
	e.reduceLeft(st, vals)
}

func (e *Rabenseifner[T]) reduceLeft(st *rabenseifnerState[T], peerLeft []T) {
	e.adapt.ReduceInto(st.val, 0, peerLeft)
}

func (e *Rabenseifner[T]) handleAdjustRight(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad adjust-right message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	if !st.valueAssigned {
		st.hasRightAdjust = true
		st.rightAdjust = vals
		return
	}
	e.reduceRightAndReply(h.InstanceID, st, vals)
}

func (e *Rabenseifner[T]) reduceRightAndReply(id uint64, st *rabenseifnerState[T], peerRight []T) {
	half := st.size / 2
	e.adapt.ReduceInto(st.val, half, peerRight)
	partnerIdx := e.rankIndex - 1
	e.send(e.tagAdjustFinal, partnerIdx, id, 0, e.adapt.Slice(st.val, half, st.size-half))
}

func (e *Rabenseifner[T]) handleAdjustFinal(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad adjust-final message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	half := st.size / 2
	e.adapt.Copy(st.val, half, vals)
	st.finishedAdjustment = true
	e.scatterReduceIter(h.InstanceID, st)
}

func (e *Rabenseifner[T]) scatterAllMessagesReceived(st *rabenseifnerState[T]) bool {
	for i := 0; i < st.scatterStep; i++ {
		if !st.scatterStepsRecv[i] {
			return false
		}
	}
	return true
}

func (e *Rabenseifner[T]) scatterIsReady(st *rabenseifnerState[T]) bool {
	if e.isInAdjustmentGroup && st.finishedAdjustment && st.scatterStep == 0 {
		return true
	}
	return e.scatterAllMessagesReceived(st)
}

// scatterIsDone requires scatterStep == steps AND every
// scatterStepsReduced entry to be true — comparing scatterStep against
// scatterNumRecv alone is not sufficient, since steps can be marked
// received before their reduction against the locally-held value runs.
func (e *Rabenseifner[T]) scatterIsDone(st *rabenseifnerState[T]) bool {
	if st.scatterStep != e.topo.Steps {
		return false
	}
	for i := 0; i < e.topo.Steps; i++ {
		if !st.scatterStepsReduced[i] {
			return false
		}
	}
	return true
}

func (e *Rabenseifner[T]) scatterTryReduce(st *rabenseifnerState[T], step int) {
	allPriorReduced := true
	for i := 0; i < step; i++ {
		if !st.scatterStepsReduced[i] {
			allPriorReduced = false
			break
		}
	}
	if step < st.scatterStep && !st.scatterStepsReduced[step] && st.scatterStepsRecv[step] && allPriorReduced {
		e.adapt.ReduceInto(st.val, st.rIndex[step], st.scatterMessages[step])
		st.scatterStepsReduced[step] = true
	}
}

func (e *Rabenseifner[T]) scatterReduceIter(id uint64, st *rabenseifnerState[T]) {
	if !e.scatterIsReady(st) {
		return
	}

	vdest := e.vrt ^ st.scatterMask
	destIdx := e.topo.DestRankIndex(vdest)
	slice := e.adapt.Slice(st.val, st.sIndex[st.scatterStep], st.sCount[st.scatterStep])
	e.send(e.tagScatter, destIdx, id, int32(st.scatterStep), slice)

	st.scatterMask <<= 1
	st.scatterStep++

	e.scatterTryReduce(st, st.scatterStep-1)

	if e.scatterIsDone(st) {
		st.finishedScatter = true
		e.gatherIter(id, st)
	} else if e.scatterAllMessagesReceived(st) {
		e.scatterReduceIter(id, st)
	}
}

func (e *Rabenseifner[T]) handleScatter(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad scatter message", "err", err)
		return
	}
	id := h.InstanceID
	step := int(h.Step)
	st := e.state(id)

	st.scatterMessages[step] = vals
	st.scatterStepsRecv[step] = true
	st.scatterNumRecv++

	if !st.finishedAdjustment {
		return
	}

	e.scatterTryReduce(st, step)

	if st.scatterMask < e.topo.P2 && e.scatterAllMessagesReceived(st) {
		e.scatterReduceIter(id, st)
	} else if e.scatterIsDone(st) {
		st.finishedScatter = true
		e.gatherIter(id, st)
	}
}

func (e *Rabenseifner[T]) gatherAllMessagesReceived(st *rabenseifnerState[T]) bool {
	for i := st.gatherStep + 1; i < e.topo.Steps; i++ {
		if !st.gatherStepsRecv[i] {
			return false
		}
	}
	return true
}

func (e *Rabenseifner[T]) gatherIsDone(st *rabenseifnerState[T]) bool {
	return st.gatherStep < 0 && st.gatherNumRecv == e.topo.Steps
}

func (e *Rabenseifner[T]) gatherIsReady(st *rabenseifnerState[T]) bool {
	return st.gatherStep == e.topo.Steps-1 || e.gatherAllMessagesReceived(st)
}

func (e *Rabenseifner[T]) gatherTryReduce(st *rabenseifnerState[T], step int) {
	if step < 0 || step >= e.topo.Steps {
		return
	}
	allLaterReduced := true
	for i := step + 1; i < e.topo.Steps; i++ {
		if !st.gatherStepsReduced[i] {
			allLaterReduced = false
			break
		}
	}
	if step > st.gatherStep && !st.gatherStepsReduced[step] && st.gatherStepsRecv[step] && allLaterReduced {
		e.adapt.Copy(st.val, st.sIndex[step], st.gatherMessages[step])
		st.gatherStepsReduced[step] = true
	}
}

func (e *Rabenseifner[T]) gatherIter(id uint64, st *rabenseifnerState[T]) {
	if !e.gatherIsReady(st) {
		return
	}

	vdest := e.vrt ^ st.gatherMask
	destIdx := e.topo.DestRankIndex(vdest)
	slice := e.adapt.Slice(st.val, st.rIndex[st.gatherStep], st.rCount[st.gatherStep])
	e.send(e.tagGather, destIdx, id, int32(st.gatherStep), slice)

	st.gatherMask >>= 1
	st.gatherStep--

	e.gatherTryReduce(st, st.gatherStep+1)

	if e.gatherIsDone(st) {
		e.finalPart(id, st)
	} else if e.gatherIsReady(st) {
		e.gatherIter(id, st)
	}
}

func (e *Rabenseifner[T]) handleGather(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad gather message", "err", err)
		return
	}
	id := h.InstanceID
	step := int(h.Step)
	st := e.state(id)

	st.gatherMessages[step] = vals
	st.gatherStepsRecv[step] = true
	st.gatherNumRecv++

	if !st.finishedScatter {
		return
	}

	e.gatherTryReduce(st, step)

	if st.gatherMask > 0 && e.gatherIsReady(st) {
		e.gatherIter(id, st)
	} else if e.gatherIsDone(st) {
		e.finalPart(id, st)
	}
}

func (e *Rabenseifner[T]) sendToExcludedNodes(id uint64, st *rabenseifnerState[T]) {
	if e.isInAdjustmentGroup && e.isEven {
		partnerIdx := e.rankIndex + 1
		e.send(e.tagExcluded, partnerIdx, id, 0, st.val)
	}
}

func (e *Rabenseifner[T]) handleExcluded(src pset.Rank, payload []byte) {
	h, vals, err := decodeMessage(e.codec, payload)
	if err != nil {
		e.log.Crit("rabenseifner: bad excluded-broadcast message", "err", err)
		return
	}
	st := e.state(h.InstanceID)
	st.val = vals
	e.executeFinal(h.InstanceID, st)
}

func (e *Rabenseifner[T]) finalPart(id uint64, st *rabenseifnerState[T]) {
	if st.completed {
		return
	}
	if e.topo.R > 0 {
		e.sendToExcludedNodes(id, st)
	}
	e.executeFinal(id, st)
}

func (e *Rabenseifner[T]) executeFinal(id uint64, st *rabenseifnerState[T]) {
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

func (e *Rabenseifner[T]) send(t transport.Tag, destIdx int, id uint64, step int32, val []T) {
	dest := e.set.RankAt(destIdx)
	msg := encodeMessage(e.codec, id, step, val, e.cfg.CompressAbove)
	if err := e.sender.Send(dest, t, msg); err != nil {
		e.log.Crit("rabenseifner: send failed", "dest", dest, "err", err)
	}
}
