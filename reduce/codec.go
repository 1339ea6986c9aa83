package reduce

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/holiman/uint256"
)

// ElemCodec knows how to serialize and deserialize one element of payload
// type T to and from the wire's raw-bytes payload region.
type ElemCodec[T any] interface {
	ElemWidth() int
	EncodeElem(buf []byte, v T)
	DecodeElem(buf []byte) T
}

// Int64Codec serializes int64 elements as fixed 8-byte big-endian words.
type Int64Codec struct{}

func (Int64Codec) ElemWidth() int { return 8 }
func (Int64Codec) EncodeElem(buf []byte, v int64) {
	binary.BigEndian.PutUint64(buf, uint64(v))
}
func (Int64Codec) DecodeElem(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

// Float64Codec serializes float64 elements via their IEEE-754 bit pattern.
type Float64Codec struct{}

func (Float64Codec) ElemWidth() int { return 8 }
func (Float64Codec) EncodeElem(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}
func (Float64Codec) DecodeElem(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}

// Uint256Codec serializes uint256.Int elements as 32-byte big-endian words,
// the same on-wire shape uint256 uses for big.Int interop.
type Uint256Codec struct{}

func (Uint256Codec) ElemWidth() int { return 32 }
func (Uint256Codec) EncodeElem(buf []byte, v uint256.Int) {
	b := v.Bytes32()
	copy(buf, b[:])
}
func (Uint256Codec) DecodeElem(buf []byte) uint256.Int {
	var v uint256.Int
	v.SetBytes(buf[:32])
	return v
}

// EncodePayload serializes every element of vals into a raw byte slice
// using codec, snappy-compressing the result when compressAbove is positive
// and the result is at least compressAbove bytes long. Messages of both
// engines go through it; Rabenseifner's large reduce-scatter/allgather
// slices gain the most.
func EncodePayload[T any](codec ElemCodec[T], vals []T, compressAbove int) (raw []byte, compressed bool) {
	w := codec.ElemWidth()
	raw = make([]byte, len(vals)*w)
	for i, v := range vals {
		codec.EncodeElem(raw[i*w:(i+1)*w], v)
	}
	if compressAbove > 0 && len(raw) >= compressAbove {
		return snappy.Encode(nil, raw), true
	}
	return raw, false
}

// DecodePayload is the inverse of EncodePayload: given count elements and
// whether the wire bytes were snappy-compressed, reconstructs the []T.
func DecodePayload[T any](codec ElemCodec[T], raw []byte, count int, compressed bool) ([]T, error) {
	if compressed {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("reduce: snappy decode: %w", err)
		}
		raw = decoded
	}
	w := codec.ElemWidth()
	if len(raw) != count*w {
		return nil, fmt.Errorf("reduce: payload length %d does not match count %d * width %d", len(raw), count, w)
	}
	out := make([]T, count)
	for i := range out {
		out[i] = codec.DecodeElem(raw[i*w : (i+1)*w])
	}
	return out, nil
}
