package state

import (
	"laminar/pkg/projection"
	"laminar/pkg/record"
	"laminar/pkg/types"
)

// InFlightTuple is one uncommitted entry: the mutation, the event batch its
// commit will persist, and the term of the entry immediately preceding it
// (needed to fill the previous-term field of downstream appends).
type InFlightTuple struct {
	Mutation     record.Mutation
	Events       []record.Event
	Effect       projection.Effect
	PreviousTerm types.Term
}

// InFlightBuffer is the dense queue of entries waiting on cluster agreement.
// Entry k holds global offset baseOffset + k, so it is addressable by offset
// while still being a FIFO. Entries enter on leader acceptance or follower
// append and leave on commit (from the head) or conflict drop (from the
// tail).
type InFlightBuffer struct {
	entries    []InFlightTuple
	baseOffset types.GlobalOffset
}

// NewInFlightBuffer starts the buffer with the given bias: the offset the
// next appended entry will occupy.
func NewInFlightBuffer(baseOffset types.GlobalOffset) *InFlightBuffer {
	return &InFlightBuffer{baseOffset: baseOffset}
}

// BaseOffset is the offset of the head entry (or of the next appended entry
// when empty).
func (b *InFlightBuffer) BaseOffset() types.GlobalOffset {
	return b.baseOffset
}

// NextOffset is the offset one past the tail.
func (b *InFlightBuffer) NextOffset() types.GlobalOffset {
	return b.baseOffset + types.GlobalOffset(len(b.entries))
}

func (b *InFlightBuffer) Len() int {
	return len(b.entries)
}

func (b *InFlightBuffer) IsEmpty() bool {
	return len(b.entries) == 0
}

// Append adds the tuple at the tail. The mutation's offset must be exactly
// NextOffset; anything else is a bookkeeping bug.
func (b *InFlightBuffer) Append(tuple InFlightTuple) {
	if tuple.Mutation.Offset != b.NextOffset() {
		fatalInvariant("in-flight append at offset %d, expected %d", tuple.Mutation.Offset, b.NextOffset())
	}
	b.entries = append(b.entries, tuple)
}

// Peek returns the tuple at the given offset, if buffered.
func (b *InFlightBuffer) Peek(offset types.GlobalOffset) (InFlightTuple, bool) {
	if offset < b.baseOffset || offset >= b.NextOffset() {
		return InFlightTuple{}, false
	}
	return b.entries[offset-b.baseOffset], true
}

// TermOf returns the term of the buffered entry at the offset.
func (b *InFlightBuffer) TermOf(offset types.GlobalOffset) (types.Term, bool) {
	tuple, ok := b.Peek(offset)
	if !ok {
		return 0, false
	}
	return tuple.Mutation.Term, true
}

// PopCommitted removes the head entry after its commit completed, advancing
// the base offset.
func (b *InFlightBuffer) PopCommitted() InFlightTuple {
	if len(b.entries) == 0 {
		fatalInvariant("pop from empty in-flight buffer")
	}
	head := b.entries[0]
	b.entries = b.entries[1:]
	b.baseOffset++
	return head
}

// DropTailFrom removes every entry at or after the offset, returning how
// many were dropped. Used by the follower conflict-repair path; committed
// entries are never dropped because they sit below the base offset.
func (b *InFlightBuffer) DropTailFrom(offset types.GlobalOffset) int {
	if offset < b.baseOffset {
		fatalInvariant("tail drop at %d below base offset %d", offset, b.baseOffset)
	}
	if offset >= b.NextOffset() {
		return 0
	}
	dropped := len(b.entries) - int(offset-b.baseOffset)
	b.entries = b.entries[:offset-b.baseOffset]
	return dropped
}

// Mutations lists the buffered mutations in offset order, used to rebuild
// speculative projection state after a tail drop.
func (b *InFlightBuffer) Mutations() []record.Mutation {
	out := make([]record.Mutation, len(b.entries))
	for i, tuple := range b.entries {
		out[i] = tuple.Mutation
	}
	return out
}
