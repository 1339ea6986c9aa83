package reduce

import (
	"encoding/binary"
	"fmt"

	"github.com/vtgo/allreduce/transport"
)

// Phase identifies which protocol message a handler tag carries. Message
// kind is encoded by which handler the message is routed to — these map
// 1:1 onto registered transport.Tag values.
type Phase uint8

const (
	PhaseAdjustLeft        Phase = iota // Rabenseifner: odd member sends its left half
	PhaseAdjustRight                    // Rabenseifner: even member sends its right half
	PhaseAdjustFinal                    // RecursiveDoubling: odd member sends its full value; Rabenseifner: odd member returns the reduced right half
	PhaseScatter                        // Rabenseifner reduce-scatter step
	PhaseGather                         // Rabenseifner allgather step
	PhaseReduceIter                     // RecursiveDoubling main exchange step
	PhaseExcludedBroadcast              // both algorithms: re-include the excluded odd partner
)

// tag builds the transport.Tag a given (algorithm, kind, set id, phase)
// combination is registered under. Handlers are declared once per (kind,
// set, phase) at engine-construction time, identified by this string tag
// rather than by template specialisation.
func tag(algo string, key algoKey, phase Phase) transport.Tag {
	return transport.Tag(fmt.Sprintf("allreduce/%s/%s/%d", algo, key, phase))
}

// wireHeader is the protocol message header: instance_id (u64), step
// (i32), count (u32) and a one-byte compressed flag — followed by the
// payload: count*sizeof(T) raw bytes serialised via the element codec, or
// their snappy-compressed form when the flag is set.
type wireHeader struct {
	InstanceID uint64
	Step       int32
	Count      uint32
	Compressed bool
}

const wireHeaderLen = 8 + 4 + 4 + 1

func (h wireHeader) encode() []byte {
	buf := make([]byte, wireHeaderLen)
	binary.BigEndian.PutUint64(buf[0:8], h.InstanceID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Step))
	binary.BigEndian.PutUint32(buf[12:16], h.Count)
	if h.Compressed {
		buf[16] = 1
	}
	return buf
}

func decodeHeader(buf []byte) (wireHeader, []byte, error) {
	if len(buf) < wireHeaderLen {
		return wireHeader{}, nil, fmt.Errorf("reduce: short message header: %d bytes", len(buf))
	}
	h := wireHeader{
		InstanceID: binary.BigEndian.Uint64(buf[0:8]),
		Step:       int32(binary.BigEndian.Uint32(buf[8:12])),
		Count:      binary.BigEndian.Uint32(buf[12:16]),
		Compressed: buf[16] != 0,
	}
	return h, buf[wireHeaderLen:], nil
}

// encodeMessage builds the full wire message: header followed by the
// element payload, compressing the payload when EncodePayload decides to.
func encodeMessage[T any](codec ElemCodec[T], instanceID uint64, step int32, vals []T, compressAbove int) []byte {
	payload, compressed := EncodePayload(codec, vals, compressAbove)
	h := wireHeader{InstanceID: instanceID, Step: step, Count: uint32(len(vals)), Compressed: compressed}
	out := h.encode()
	return append(out, payload...)
}

// decodeMessage splits a wire message back into its header and []T payload.
func decodeMessage[T any](codec ElemCodec[T], raw []byte) (wireHeader, []T, error) {
	h, rest, err := decodeHeader(raw)
	if err != nil {
		return wireHeader{}, nil, err
	}
	vals, err := DecodePayload(codec, rest, int(h.Count), h.Compressed)
	if err != nil {
		return wireHeader{}, nil, err
	}
	return h, vals, nil
}
