package reduce

import (
	"fmt"

	"github.com/go-stack/stack"

	"github.com/vtgo/allreduce/pset"
)

// FatalError captures diagnostic context for a programmer-contract
// violation or state-store inconsistency: the participant-set kind and
// id, the instance id, the algorithm name, and the step at which the
// violation was detected, plus the call stack at the point of detection.
type FatalError struct {
	Set       pset.Key
	Instance  uint64
	Algorithm string
	Step      int
	Reason    string
	Stack     stack.CallStack
}

func (e *FatalError) Error() string {
	return fmt.Sprintf(
		"reduce: fatal in %s set=%s instance=%d step=%d: %s\n%+v",
		e.Algorithm, e.Set, e.Instance, e.Step, e.Reason, e.Stack,
	)
}

// newFatal builds a FatalError with the caller's stack attached, skipping
// this helper's own frame.
func newFatal(set pset.Key, instance uint64, algorithm string, step int, reason string) *FatalError {
	return &FatalError{
		Set:       set,
		Instance:  instance,
		Algorithm: algorithm,
		Step:      step,
		Reason:    reason,
		Stack:     stack.Trace().TrimBelow(stack.Caller(1)),
	}
}

// ErrNotMember is returned when a rank that is not part of a participant
// set attempts to start a reduction on it.
type ErrNotMember struct {
	Set  pset.Key
	Rank pset.Rank
}

func (e *ErrNotMember) Error() string {
	return fmt.Sprintf("reduce: rank %d is not a member of set %s", e.Rank, e.Set)
}

// ErrSizeMismatch is returned when a local payload's element count
// disagrees with the size recorded for an in-flight instance.
type ErrSizeMismatch struct {
	Set      pset.Key
	Instance uint64
	Want     int
	Got      int
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf(
		"reduce: payload size mismatch for set %s instance %d: want %d got %d",
		e.Set, e.Instance, e.Want, e.Got,
	)
}
