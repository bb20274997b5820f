package vm

import "strings"

// ListLength returns the length of list t and whether it is proper.
// h may be nil when t is Nil.
func ListLength(h *Heap, t Term) (int, bool) {
	n := 0
	for t.IsCons() {
		n++
		t = h.ListTail(t)
	}
	return n, t == Nil
}

// ListElements returns the elements of a proper list.
func ListElements(h *Heap, t Term) ([]Term, bool) {
	var out []Term
	for t.IsCons() {
		out = append(out, h.ListHead(t))
		t = h.ListTail(t)
	}
	return out, t == Nil
}

// TermToString decodes a character list or a binary. It returns false for
// anything else, including lists holding non-character elements.
func TermToString(h *Heap, t Term) (string, bool) {
	if t.IsBoxed() && h.IsBinary(t) {
		return string(h.BinaryBytes(t)), true
	}
	if !t.IsList() {
		return "", false
	}
	var sb strings.Builder
	for t.IsCons() {
		c := h.ListHead(t)
		if !c.IsSmallInt() || c.SmallInt() < 0 || c.SmallInt() > 0x10FFFF {
			return "", false
		}
		sb.WriteRune(rune(c.SmallInt()))
		t = h.ListTail(t)
	}
	if t != Nil {
		return "", false
	}
	return sb.String(), true
}

// RequestCaller checks that msg is a tuple of the given arity whose first
// element is a pid, and returns that pid. Port handlers use it to reject
// malformed requests without faulting the port.
func RequestCaller(h *Heap, msg Term, arity int) (Term, bool) {
	if !msg.IsBoxed() || !h.IsTuple(msg) || h.TupleArity(msg) != arity {
		return Nil, false
	}
	caller := h.TupleElement(msg, 0)
	return caller, caller.IsPid()
}

// ProplistGet looks key up in a property list: the first {key, Value} tuple
// yields Value and a bare key atom yields true.
func ProplistGet(h *Heap, list, key Term) (Term, bool) {
	for list.IsCons() {
		e := h.ListHead(list)
		switch {
		case e == key:
			return True, true
		case e.IsBoxed() && h.IsTuple(e) && h.TupleArity(e) >= 1 && h.TupleElement(e, 0) == key:
			if h.TupleArity(e) == 2 {
				return h.TupleElement(e, 1), true
			}
		}
		list = h.ListTail(list)
	}
	return Undefined, false
}

// ProplistInt returns the integer stored under key, or def when the key is
// missing or not an integer.
func ProplistInt(h *Heap, list, key Term, def int64) int64 {
	v, ok := ProplistGet(h, list, key)
	if !ok || !h.IsInteger(v) {
		return def
	}
	return h.IntegerValue(v)
}
