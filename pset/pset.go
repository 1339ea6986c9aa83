// Package pset describes participant sets: the ranks collectively performing
// a reduction, and the membership/ordering services the reduce package
// relies on but does not itself implement.
package pset

import (
	"fmt"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
)

// Rank identifies a process taking part in a reduction.
type Rank int32

// Kind distinguishes the three participant-set key spaces. Each kind owns
// its own id namespace and its own slot in the registry and state store.
type Kind uint8

const (
	Collection Kind = iota
	Subgroup
	ObjectGroup
)

func (k Kind) String() string {
	switch k {
	case Collection:
		return "collection"
	case Subgroup:
		return "subgroup"
	case ObjectGroup:
		return "objectgroup"
	default:
		return fmt.Sprintf("pset.Kind(%d)", uint8(k))
	}
}

// Key names a participant set: its kind and a 64-bit opaque handle, unique
// within that kind.
type Key struct {
	Kind Kind
	ID   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

// NewObjectGroupKey derives a collision-free object-group handle from a
// fresh UUID, for callers with no central id allocator of their own.
func NewObjectGroupKey() Key {
	id := uuid.New()
	lo := uint64(id[8])<<56 | uint64(id[9])<<48 | uint64(id[10])<<40 | uint64(id[11])<<32 |
		uint64(id[12])<<24 | uint64(id[13])<<16 | uint64(id[14])<<8 | uint64(id[15])
	return Key{Kind: ObjectGroup, ID: lo}
}

// Set is the ordered membership of a participant set plus this process's
// position within it. LocalIndex is -1 when the local rank is not a member.
type Set struct {
	Key        Key
	Ranks      []Rank
	LocalIndex int
	members    mapset.Set
	isDefault  bool
}

// NewSet builds a Set from an ordered rank list and the local rank. members
// is tracked in a mapset.Set alongside the ordered slice: the algorithms need
// the ordered slice for index arithmetic, the set gives O(1) membership
// tests for the guard checks in dispatch.
func NewSet(key Key, ranks []Rank, local Rank, isDefault bool) Set {
	members := mapset.NewThreadUnsafeSet()
	localIndex := -1
	for i, r := range ranks {
		members.Add(r)
		if r == local {
			localIndex = i
		}
	}
	return Set{
		Key:        key,
		Ranks:      ranks,
		LocalIndex: localIndex,
		members:    members,
		isDefault:  isDefault,
	}
}

// Size is the number of ranks participating (P).
func (s Set) Size() int { return len(s.Ranks) }

// IsMember reports whether r belongs to this participant set.
func (s Set) IsMember(r Rank) bool { return s.members.Contains(r) }

// IsDefault reports whether this set is the all-ranks default collection —
// relevant because a non-default subgroup may not have finished local
// construction on every member when messages for it start arriving.
func (s Set) IsDefault() bool { return s.isDefault }

// RankAt maps a rank-index (post-fold, not virtual) back to the Rank that
// occupies it.
func (s Set) RankAt(idx int) Rank { return s.Ranks[idx] }

// Topology holds the power-of-two folding constants derived once from a
// Set's size, shared by both algorithm engines.
type Topology struct {
	P     int // total ranks
	P2    int // largest power of two <= P
	R     int // P - P2
	Steps int // log2(P2)
}

// NewTopology computes P2, R and Steps for a participant count P.
func NewTopology(p int) Topology {
	p2 := 1
	steps := 0
	for p2*2 <= p {
		p2 *= 2
		steps++
	}
	return Topology{P: p, P2: p2, R: p - p2, Steps: steps}
}

// VirtualRank folds a non-power-of-two rank index onto the power-of-two
// topology. A result of -1 marks the rank as excluded from the main phase
// (the odd member of the adjustment group).
func (t Topology) VirtualRank(rankIndex int) int {
	if rankIndex < 2*t.R {
		if rankIndex%2 == 0 {
			return rankIndex / 2
		}
		return -1
	}
	return rankIndex - t.R
}

// DestRankIndex maps a virtual destination back to a real rank index, the
// inverse of the adjustment-group folding applied by VirtualRank.
func (t Topology) DestRankIndex(vdest int) int {
	if vdest < t.R {
		return 2 * vdest
	}
	return vdest + t.R
}

// InAdjustmentGroup reports whether rankIndex is one of the first 2R ranks
// folded onto the power-of-two core.
func (t Topology) InAdjustmentGroup(rankIndex int) bool {
	return rankIndex < 2*t.R
}
