package vm

import "fmt"

// Term is a tagged 64-bit word.
//
// The top four bits hold the tag and the remaining 60 bits the payload.
// Immediates (nil, small integers, atoms, pids) carry their whole value in
// the payload. Boxed terms carry a handle into the heap that allocated them:
// the heap's region id and a word offset. A handle is only valid while its
// region is the live region of that heap; collections move every live object
// into a fresh region, so handles taken before a collection are detectably
// stale afterwards.
//
// Encoding scheme:
//   - Nil:      tagNil, payload 0 (the zero Term is the empty list)
//   - SmallInt: tagSmallInt + 60-bit two's complement, range limited to SmallIntBits
//   - Atom:     tagAtom + atom table index
//   - Pid:      tagPid + generation(32) | slot(24)
//   - List:     tagList + region(28) | offset(32), points at a cons cell
//   - Boxed:    tagBoxed + region(28) | offset(32), points at a header word
type Term uint64

const (
	tagShift          = 60
	payloadMask uint64 = 1<<tagShift - 1

	tagNil      uint64 = 0
	tagSmallInt uint64 = 1
	tagAtom     uint64 = 2
	tagPid      uint64 = 3
	tagList     uint64 = 4
	tagBoxed    uint64 = 5
	tagHeader   uint64 = 6 // heap-internal: first word of a boxed object
	tagMoved    uint64 = 7 // heap-internal: forwarding word left by the collector

	offsetBits          = 32
	offsetMask   uint64 = 1<<offsetBits - 1
	regionBits          = 28
	regionMask   uint64 = 1<<regionBits - 1
	pidSlotBits         = 24
	pidSlotMask  uint64 = 1<<pidSlotBits - 1
	pidGenMask   uint64 = 1<<32 - 1
	kindShift           = 56
	headerSizeMask      = 1<<kindShift - 1
)

// SmallIntBits is the width of immediate integers. Every integer-producing
// operation promotes values outside this range to a boxed integer.
const SmallIntBits = 48

// SmallInt range
const (
	MaxSmallInt int64 = 1<<(SmallIntBits-1) - 1
	MinSmallInt int64 = -(1 << (SmallIntBits - 1))
)

// Nil is the empty list.
const Nil Term = 0

func (t Term) tag() uint64     { return uint64(t) >> tagShift }
func (t Term) payload() uint64 { return uint64(t) & payloadMask }

func makeTerm(tag, payload uint64) Term {
	return Term(tag<<tagShift | payload&payloadMask)
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNil returns true if t is the empty list.
func (t Term) IsNil() bool { return t == Nil }

// IsSmallInt returns true if t is an immediate integer.
func (t Term) IsSmallInt() bool { return t.tag() == tagSmallInt }

// IsAtom returns true if t is an atom.
func (t Term) IsAtom() bool { return t.tag() == tagAtom }

// IsPid returns true if t is a process identifier.
func (t Term) IsPid() bool { return t.tag() == tagPid }

// IsCons returns true if t points at a cons cell.
func (t Term) IsCons() bool { return t.tag() == tagList }

// IsList returns true if t is the empty list or a cons cell.
func (t Term) IsList() bool { return t == Nil || t.tag() == tagList }

// IsBoxed returns true if t points at a header-prefixed heap object
// (tuple, reference, binary, boxed integer).
func (t Term) IsBoxed() bool { return t.tag() == tagBoxed }

// IsImmediate returns true if t needs no heap.
func (t Term) IsImmediate() bool {
	switch t.tag() {
	case tagNil, tagSmallInt, tagAtom, tagPid:
		return true
	}
	return false
}

func (t Term) isInternal() bool {
	tag := t.tag()
	return tag == tagHeader || tag == tagMoved || tag > tagMoved
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns t as an int64.
// Panics if t is not a small integer.
func (t Term) SmallInt() int64 {
	if !t.IsSmallInt() {
		panic(badarg("small_int", "not a small integer"))
	}
	// sign extend from the 60-bit payload
	return int64(uint64(t)<<(64-tagShift)) >> (64 - tagShift)
}

// FromSmallInt creates an immediate integer.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Term {
	t, ok := TryFromSmallInt(n)
	if !ok {
		panic(badarg("small_int", "value out of range"))
	}
	return t
}

// TryFromSmallInt creates an immediate integer, returning false if n does
// not fit.
func TryFromSmallInt(n int64) (Term, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return makeTerm(tagSmallInt, uint64(n)), true
}

// ---------------------------------------------------------------------------
// Atoms
// ---------------------------------------------------------------------------

// AtomIndex returns the atom table index of t.
// Panics if t is not an atom.
func (t Term) AtomIndex() uint32 {
	if !t.IsAtom() {
		panic(badarg("atom_index", "not an atom"))
	}
	return uint32(t.payload())
}

// FromAtomIndex creates an atom term from a table index.
func FromAtomIndex(index uint32) Term {
	return makeTerm(tagAtom, uint64(index))
}

// ---------------------------------------------------------------------------
// Pids
// ---------------------------------------------------------------------------

// FromPid creates a pid term for a process table slot and generation.
func FromPid(slot, gen uint32) Term {
	return makeTerm(tagPid, (uint64(gen)&pidGenMask)<<pidSlotBits|uint64(slot)&pidSlotMask)
}

// PidSlot returns the process table slot of t.
// Panics if t is not a pid.
func (t Term) PidSlot() uint32 {
	if !t.IsPid() {
		panic(badarg("pid_slot", "not a pid"))
	}
	return uint32(t.payload() & pidSlotMask)
}

// PidGeneration returns the slot generation encoded in t.
// Panics if t is not a pid.
func (t Term) PidGeneration() uint32 {
	if !t.IsPid() {
		panic(badarg("pid_generation", "not a pid"))
	}
	return uint32(t.payload() >> pidSlotBits & pidGenMask)
}

// ---------------------------------------------------------------------------
// Heap handles
// ---------------------------------------------------------------------------

func makePointer(tag uint64, region uint32, offset int) Term {
	return makeTerm(tag, (uint64(region)&regionMask)<<offsetBits|uint64(offset)&offsetMask)
}

func (t Term) pointer() (region uint32, offset int) {
	p := t.payload()
	return uint32(p >> offsetBits & regionMask), int(p & offsetMask)
}

// Boxed object kinds, stored in the header word.
const (
	kindTuple uint64 = iota + 1
	kindRef
	kindBinary
	kindInteger
)

func makeHeader(kind uint64, size int) Term {
	return makeTerm(tagHeader, kind<<kindShift|uint64(size)&headerSizeMask)
}

func (t Term) kind() uint64 { return t.payload() >> kindShift }
func (t Term) size() int    { return int(t.payload() & headerSizeMask) }

// bodyWords returns the number of words following header h.
func bodyWords(h Term) int {
	switch h.kind() {
	case kindTuple:
		return h.size()
	case kindBinary:
		return (h.size() + 7) / 8
	case kindRef, kindInteger:
		return 1
	}
	panic(&RuntimeFault{Msg: fmt.Sprintf("corrupt header word %#x", uint64(h))})
}

func movedTo(offset int) Term { return makeTerm(tagMoved, uint64(offset)) }
