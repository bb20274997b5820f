package vm

import "fmt"

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// Roots enumerates the live terms of a heap. The collector rewrites each
// root in place with its relocated value.
type Roots interface {
	EachRoot(fn func(*Term))
}

// RootSlice is a Roots made of individual term pointers.
type RootSlice []*Term

// EachRoot implements Roots.
func (r RootSlice) EachRoot(fn func(*Term)) {
	for _, t := range r {
		fn(t)
	}
}

type joinedRoots struct {
	base  Roots
	extra []*Term
}

func (r joinedRoots) EachRoot(fn func(*Term)) {
	if r.base != nil {
		r.base.EachRoot(fn)
	}
	for _, t := range r.extra {
		fn(t)
	}
}

func withRoots(base Roots, extra ...*Term) Roots {
	if len(extra) == 0 {
		return base
	}
	return joinedRoots{base: base, extra: extra}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// EnsureFree guarantees at least n free words, collecting if needed. It is
// the only point where a heap is collected. After a collection every boxed
// term not reachable through roots is stale.
//
// The heap grows to fit the live data plus n words, bounded by the maximum
// size it was created with; past that EnsureFree returns ErrHeapExhausted.
func (h *Heap) EnsureFree(n int, roots Roots) error {
	if n < 0 {
		panic(badarg("ensure_free", "negative size"))
	}
	if h.region == 0 {
		return stale("ensure_free")
	}
	if h.Free() >= n {
		return nil
	}
	return h.collect(n, roots)
}

// Collect runs a collection unconditionally.
func (h *Heap) Collect(roots Roots) error {
	if h.region == 0 {
		return stale("collect")
	}
	return h.collect(0, roots)
}

func (h *Heap) collect(need int, roots Roots) error {
	size := h.top + need
	if size < h.minWords {
		size = h.minWords
	}
	if h.maxWords > 0 && size > h.maxWords {
		size = h.maxWords
	}

	c := &collector{
		from:       h.words,
		fromTop:    h.top,
		fromRegion: h.region,
		to:         make([]Term, size),
		toRegion:   nextRegion(),
	}
	done := false
	defer func() {
		if !done {
			dropRegion(c.toRegion)
		}
	}()
	if roots != nil {
		roots.EachRoot(func(t *Term) { *t = c.evacuate(*t) })
	}
	c.scan()

	h.words, h.top = c.to, c.top
	h.setRegion(c.toRegion)
	done = true
	h.collections++

	// Shrink when most of the new space would sit idle.
	want := max(2*(h.top+need), h.minWords)
	if h.maxWords > 0 {
		want = min(want, h.maxWords)
	}
	if len(h.words) > 2*want {
		words := make([]Term, want)
		copy(words, h.words[:h.top])
		h.words = words
	}

	if h.Free() < need {
		return fmt.Errorf("%w: need %d words, %d live, limit %d", ErrHeapExhausted, need, h.top, h.maxWords)
	}
	return nil
}

// collector is a Cheney-style copying collector from one region to another.
type collector struct {
	from       []Term
	fromTop    int
	fromRegion uint32
	to         []Term
	top        int
	toRegion   uint32
}

func (c *collector) fromOffset(t Term) int {
	region, off := t.pointer()
	if region != c.fromRegion || off >= c.fromTop {
		panic(stale("gc"))
	}
	return off
}

// evacuate copies the object t points at into to-space, leaving a
// forwarding word behind, and returns the relocated term.
func (c *collector) evacuate(t Term) Term {
	switch t.tag() {
	case tagList:
		off := c.fromOffset(t)
		if w := c.from[off]; w.tag() == tagMoved {
			return makePointer(tagList, c.toRegion, int(w.payload()))
		}
		n := c.top
		c.to[n], c.to[n+1] = c.from[off], c.from[off+1]
		c.top += ConsWords
		c.from[off] = movedTo(n)
		return makePointer(tagList, c.toRegion, n)

	case tagBoxed:
		off := c.fromOffset(t)
		hd := c.from[off]
		switch hd.tag() {
		case tagMoved:
			return makePointer(tagBoxed, c.toRegion, int(hd.payload()))
		case tagHeader:
		default:
			fault("gc: boxed pointer to non-header word %#x at %d", uint64(hd), off)
		}
		words := 1 + bodyWords(hd)
		n := c.top
		copy(c.to[n:n+words], c.from[off:off+words])
		c.top += words
		c.from[off] = movedTo(n)
		return makePointer(tagBoxed, c.toRegion, n)
	}
	return t
}

// scan walks to-space evacuating everything copied objects refer to.
// Tuple elements and cons cells are terms; the bodies of references,
// binaries and boxed integers are raw words and are skipped.
func (c *collector) scan() {
	for i := 0; i < c.top; {
		w := c.to[i]
		if w.tag() == tagHeader {
			if w.kind() == kindTuple {
				i++
			} else {
				i += 1 + bodyWords(w)
			}
			continue
		}
		c.to[i] = c.evacuate(w)
		i++
	}
}
