package vm

import (
	"encoding/binary"
	"runtime"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap: per-process bump allocated arena
// ---------------------------------------------------------------------------

// Heap is an exclusively owned, contiguously growable arena of words.
//
// Allocation bumps a top pointer; nothing is freed individually. Memory is
// reclaimed only by EnsureFree, which copies every term reachable from the
// owner's roots into a fresh region and discards the old one.
//
// Allocation primitives (AllocTuple, AllocCons, ...) assume the caller
// already ensured enough free words; running out is a contract violation.
type Heap struct {
	words       []Term
	top         int
	region      uint32
	owned       *regionLease
	minWords    int
	maxWords    int
	collections int
}

// Word counts for the fixed-size boxed shapes.
const (
	ConsWords    = 2
	RefWords     = 2
	IntegerWords = 2
)

// TupleWords returns the heap words needed by a tuple of the given arity.
func TupleWords(arity int) int { return 1 + arity }

// BinaryWords returns the heap words needed by a binary of n bytes.
func BinaryWords(n int) int { return 1 + (n+7)/8 }

// IntegerSize returns the heap words needed to represent n: zero when it
// fits an immediate, IntegerWords otherwise.
func IntegerSize(n int64) int {
	if n > MaxSmallInt || n < MinSmallInt {
		return IntegerWords
	}
	return 0
}

// regions hands out region ids. An id stays reserved while a heap holds it,
// so a wrapped counter never aliases a live heap. Stale handles into a
// collected region of the same heap go undetected only if 2^28 ids are
// minted between taking the handle and using it.
var regions = struct {
	sync.Mutex
	seq  uint32
	live map[uint32]struct{}
}{live: make(map[uint32]struct{})}

// regionLease records the region a heap currently holds. It is kept apart
// from the Heap so an unreleased heap can return its id once unreachable.
type regionLease struct{ id uint32 }

// nextRegion reserves a region id. Region 0 is never handed out so zero
// handles never validate.
func nextRegion() uint32 {
	regions.Lock()
	defer regions.Unlock()
	for {
		regions.seq = (regions.seq + 1) & uint32(regionMask)
		r := regions.seq
		if _, taken := regions.live[r]; r != 0 && !taken {
			regions.live[r] = struct{}{}
			return r
		}
	}
}

func dropRegion(r uint32) {
	if r == 0 {
		return
	}
	regions.Lock()
	delete(regions.live, r)
	regions.Unlock()
}

// setRegion moves h to region r and returns the previous id to the pool.
func (h *Heap) setRegion(r uint32) {
	dropRegion(h.region)
	h.region = r
	h.owned.id = r
}

// NewHeap creates a heap with initialWords of capacity that may grow up to
// maxWords. A maxWords of zero means unbounded.
func NewHeap(initialWords, maxWords int) *Heap {
	if initialWords < 1 {
		initialWords = 1
	}
	if maxWords > 0 && maxWords < initialWords {
		maxWords = initialWords
	}
	h := &Heap{
		words:    make([]Term, initialWords),
		owned:    &regionLease{},
		minWords: initialWords,
		maxWords: maxWords,
	}
	h.setRegion(nextRegion())
	runtime.AddCleanup(h, func(l *regionLease) { dropRegion(l.id) }, h.owned)
	return h
}

// Size returns the capacity of the heap in words.
func (h *Heap) Size() int { return len(h.words) }

// Used returns the number of allocated words.
func (h *Heap) Used() int { return h.top }

// Free returns the number of words that can be allocated without collecting.
func (h *Heap) Free() int { return len(h.words) - h.top }

// Collections returns how many times the heap has been collected.
func (h *Heap) Collections() int { return h.collections }

// Released reports whether the heap has been released by its owner.
func (h *Heap) Released() bool { return h.region == 0 }

func (h *Heap) release() {
	h.words = nil
	h.top = 0
	h.setRegion(0)
}

func (h *Heap) alloc(n int, op string) int {
	if h.region == 0 {
		panic(stale(op))
	}
	if n > len(h.words)-h.top {
		panic(&ContractError{Op: op, Err: ErrHeapOverflow})
	}
	off := h.top
	h.top += n
	clear(h.words[off:h.top])
	return off
}

func (h *Heap) boxed(off int) Term { return makePointer(tagBoxed, h.region, off) }
func (h *Heap) cons(off int) Term  { return makePointer(tagList, h.region, off) }

// deref validates a pointer term against this heap and returns its offset.
func (h *Heap) deref(t Term, op string) int {
	region, off := t.pointer()
	if h == nil || region != h.region || h.region == 0 || off >= h.top {
		panic(stale(op))
	}
	return off
}

// object returns the header and offset of the boxed object t points at.
func (h *Heap) object(t Term, op string) (Term, int) {
	if !t.IsBoxed() {
		panic(badarg(op, "not a boxed term"))
	}
	off := h.deref(t, op)
	hd := h.words[off]
	if hd.tag() != tagHeader {
		panic(stale(op))
	}
	return hd, off
}

func (h *Heap) expect(t Term, kind uint64, op, reason string) (Term, int) {
	if !t.IsBoxed() {
		panic(badarg(op, reason))
	}
	hd, off := h.object(t, op)
	if hd.kind() != kind {
		panic(badarg(op, reason))
	}
	return hd, off
}

// checkStore enforces heap isolation: a value stored into this heap is
// either immediate or already owned by it.
func (h *Heap) checkStore(v Term, op string) {
	switch {
	case v.isInternal():
		panic(badarg(op, "internal word used as a value"))
	case v.IsCons() || v.IsBoxed():
		h.deref(v, op)
	}
}

func (h *Heap) kindOf(t Term, op string) uint64 {
	if !t.IsBoxed() {
		return 0
	}
	hd, _ := h.object(t, op)
	return hd.kind()
}

// ---------------------------------------------------------------------------
// Tuples
// ---------------------------------------------------------------------------

// AllocTuple allocates a tuple of arity n with every element set to Nil.
func (h *Heap) AllocTuple(n int) Term {
	if n < 0 || n > headerSizeMask {
		panic(badarg("alloc_tuple", "bad arity"))
	}
	off := h.alloc(TupleWords(n), "alloc_tuple")
	h.words[off] = makeHeader(kindTuple, n)
	return h.boxed(off)
}

// IsTuple returns true if t is a tuple allocated in h.
func (h *Heap) IsTuple(t Term) bool { return h.kindOf(t, "is_tuple") == kindTuple }

// TupleArity returns the number of elements of tuple t.
func (h *Heap) TupleArity(t Term) int {
	hd, _ := h.expect(t, kindTuple, "tuple_arity", "not a tuple")
	return hd.size()
}

// TupleElement returns the zero-based element i of tuple t.
func (h *Heap) TupleElement(t Term, i int) Term {
	hd, off := h.expect(t, kindTuple, "tuple_element", "not a tuple")
	if i < 0 || i >= hd.size() {
		panic(badarg("tuple_element", "index out of range"))
	}
	return h.words[off+1+i]
}

// PutTupleElement stores v as the zero-based element i of tuple t.
func (h *Heap) PutTupleElement(t Term, i int, v Term) {
	hd, off := h.expect(t, kindTuple, "put_tuple_element", "not a tuple")
	if i < 0 || i >= hd.size() {
		panic(badarg("put_tuple_element", "index out of range"))
	}
	h.checkStore(v, "put_tuple_element")
	h.words[off+1+i] = v
}

// ---------------------------------------------------------------------------
// Cons cells
// ---------------------------------------------------------------------------

// AllocCons allocates a cons cell [head | tail].
func (h *Heap) AllocCons(head, tail Term) Term {
	h.checkStore(head, "alloc_cons")
	h.checkStore(tail, "alloc_cons")
	off := h.alloc(ConsWords, "alloc_cons")
	h.words[off] = head
	h.words[off+1] = tail
	return h.cons(off)
}

func (h *Heap) consOffset(t Term, op string) int {
	if !t.IsCons() {
		panic(badarg(op, "not a cons cell"))
	}
	return h.deref(t, op)
}

// ListHead returns the head of cons cell t.
func (h *Heap) ListHead(t Term) Term { return h.words[h.consOffset(t, "list_head")] }

// ListTail returns the tail of cons cell t.
func (h *Heap) ListTail(t Term) Term { return h.words[h.consOffset(t, "list_tail")+1] }

// SetListHead replaces the head of cons cell t.
func (h *Heap) SetListHead(t, v Term) {
	off := h.consOffset(t, "set_list_head")
	h.checkStore(v, "set_list_head")
	h.words[off] = v
}

// SetListTail replaces the tail of cons cell t.
func (h *Heap) SetListTail(t, v Term) {
	off := h.consOffset(t, "set_list_tail")
	h.checkStore(v, "set_list_tail")
	h.words[off+1] = v
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// AllocRef allocates a reference holding ticks.
func (h *Heap) AllocRef(ticks uint64) Term {
	off := h.alloc(RefWords, "alloc_ref")
	h.words[off] = makeHeader(kindRef, 1)
	h.words[off+1] = Term(ticks)
	return h.boxed(off)
}

// IsRef returns true if t is a reference allocated in h.
func (h *Heap) IsRef(t Term) bool { return h.kindOf(t, "is_ref") == kindRef }

// RefTicks returns the tick value of reference t.
func (h *Heap) RefTicks(t Term) uint64 {
	_, off := h.expect(t, kindRef, "ref_ticks", "not a reference")
	return uint64(h.words[off+1])
}

// ---------------------------------------------------------------------------
// Binaries
// ---------------------------------------------------------------------------

// AllocBinary allocates a binary holding a copy of b.
func (h *Heap) AllocBinary(b []byte) Term {
	off := h.alloc(BinaryWords(len(b)), "alloc_binary")
	h.words[off] = makeHeader(kindBinary, len(b))
	var buf [8]byte
	for i := 0; i < len(b); i += 8 {
		buf = [8]byte{}
		copy(buf[:], b[i:])
		h.words[off+1+i/8] = Term(binary.LittleEndian.Uint64(buf[:]))
	}
	return h.boxed(off)
}

// IsBinary returns true if t is a binary allocated in h.
func (h *Heap) IsBinary(t Term) bool { return h.kindOf(t, "is_binary") == kindBinary }

// BinarySize returns the byte length of binary t.
func (h *Heap) BinarySize(t Term) int {
	hd, _ := h.expect(t, kindBinary, "binary_size", "not a binary")
	return hd.size()
}

// BinaryBytes returns a copy of the bytes of binary t.
func (h *Heap) BinaryBytes(t Term) []byte {
	hd, off := h.expect(t, kindBinary, "binary_bytes", "not a binary")
	n := hd.size()
	out := make([]byte, (n+7)/8*8)
	for i := 0; i < len(out); i += 8 {
		binary.LittleEndian.PutUint64(out[i:], uint64(h.words[off+1+i/8]))
	}
	return out[:n]
}

// ---------------------------------------------------------------------------
// Integers
// ---------------------------------------------------------------------------

// AllocInteger allocates a boxed integer. Use Integer to get the immediate
// representation when n fits.
func (h *Heap) AllocInteger(n int64) Term {
	off := h.alloc(IntegerWords, "alloc_integer")
	h.words[off] = makeHeader(kindInteger, 1)
	h.words[off+1] = Term(uint64(n))
	return h.boxed(off)
}

// Integer returns n as a term, promoting to a boxed integer outside the
// SmallInt range. The caller must have ensured IntegerSize(n) free words.
func (h *Heap) Integer(n int64) Term {
	if t, ok := TryFromSmallInt(n); ok {
		return t
	}
	return h.AllocInteger(n)
}

// IsInteger returns true if t is an immediate or boxed integer.
func (h *Heap) IsInteger(t Term) bool {
	return t.IsSmallInt() || h.kindOf(t, "is_integer") == kindInteger
}

// IntegerValue returns the value of an immediate or boxed integer.
func (h *Heap) IntegerValue(t Term) int64 {
	if t.IsSmallInt() {
		return t.SmallInt()
	}
	_, off := h.expect(t, kindInteger, "integer_value", "not an integer")
	return int64(uint64(h.words[off+1]))
}
