package vm

// FlatSize returns the number of heap words needed to hold a copy of t,
// counting shared subterms once per reference.
func FlatSize(h *Heap, t Term) int {
	size := 0
	for {
		switch t.tag() {
		case tagList:
			size += ConsWords + FlatSize(h, h.ListHead(t))
			t = h.ListTail(t)
			continue
		case tagBoxed:
			hd, off := h.object(t, "flat_size")
			size += 1 + bodyWords(hd)
			if hd.kind() == kindTuple {
				for i := range hd.size() {
					size += FlatSize(h, h.words[off+1+i])
				}
			}
		}
		return size
	}
}

// CopyTermTree deep-copies t, which lives in src, into dst and returns the
// copy. It is the only sanctioned way for a term to cross a heap boundary.
//
// Room for the copy plus extraWords is ensured first, which may collect dst;
// dstRoots are the live terms of dst's owner. When src and dst are the same
// heap t is kept live across that collection.
func CopyTermTree(dst, src *Heap, t Term, extraWords int, dstRoots Roots) (Term, error) {
	need := extraWords
	if !t.IsImmediate() {
		need += FlatSize(src, t)
	}
	roots := dstRoots
	if src == dst {
		roots = withRoots(dstRoots, &t)
	}
	if err := dst.EnsureFree(need, roots); err != nil {
		return Nil, err
	}
	return copyTerm(dst, src, t), nil
}

// copyTerm copies t assuming dst has room for FlatSize(src, t) words.
func copyTerm(dst, src *Heap, t Term) Term {
	switch t.tag() {
	case tagList:
		first, last := Nil, -1
		for t.IsCons() {
			head := copyTerm(dst, src, src.ListHead(t))
			cell := dst.AllocCons(head, Nil)
			if last < 0 {
				first = cell
			} else {
				dst.words[last+1] = cell
			}
			_, last = cell.pointer()
			t = src.ListTail(t)
		}
		tail := copyTerm(dst, src, t)
		dst.words[last+1] = tail
		return first

	case tagBoxed:
		hd, off := src.object(t, "copy_term")
		if hd.kind() == kindTuple {
			n := hd.size()
			out := dst.AllocTuple(n)
			_, outOff := out.pointer()
			for i := range n {
				v := copyTerm(dst, src, src.words[off+1+i])
				dst.words[outOff+1+i] = v
			}
			return out
		}
		words := 1 + bodyWords(hd)
		n := dst.alloc(words, "copy_term")
		copy(dst.words[n:n+words], src.words[off:off+words])
		return dst.boxed(n)
	}
	if t.isInternal() {
		panic(badarg("copy_term", "internal word used as a value"))
	}
	return t
}

// Equal reports whether a (in ha) and b (in hb) are structurally equal.
// Either heap may be nil when the corresponding term is immediate.
func Equal(ha *Heap, a Term, hb *Heap, b Term) bool {
	for {
		if a.IsImmediate() || b.IsImmediate() {
			return a == b
		}
		if a.tag() != b.tag() {
			return false
		}
		if a.IsCons() {
			if !Equal(ha, ha.ListHead(a), hb, hb.ListHead(b)) {
				return false
			}
			a, b = ha.ListTail(a), hb.ListTail(b)
			continue
		}
		hda, offa := ha.object(a, "equal")
		hdb, offb := hb.object(b, "equal")
		if hda != hdb {
			return false
		}
		if hda.kind() != kindTuple {
			for i := 1; i <= bodyWords(hda); i++ {
				if ha.words[offa+i] != hb.words[offb+i] {
					return false
				}
			}
			return true
		}
		for i := 1; i <= hda.size(); i++ {
			if !Equal(ha, ha.words[offa+i], hb, hb.words[offb+i]) {
				return false
			}
		}
		return true
	}
}
