package vm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// FormatPid renders a pid as <0.Slot.Generation>.
func FormatPid(pid Term) string {
	if !pid.IsPid() {
		return "<not a pid>"
	}
	return fmt.Sprintf("<0.%d.%d>", pid.PidSlot(), pid.PidGeneration())
}

// Format renders t in Erlang notation. h is the heap t lives in and may be
// nil for immediates; atoms may be nil, in which case atoms print by index.
func Format(h *Heap, t Term, atoms *AtomTable) string {
	var sb strings.Builder
	formatTerm(&sb, h, t, atoms)
	return sb.String()
}

func formatTerm(sb *strings.Builder, h *Heap, t Term, atoms *AtomTable) {
	switch {
	case t == Nil:
		sb.WriteString("[]")
	case t.IsSmallInt():
		sb.WriteString(strconv.FormatInt(t.SmallInt(), 10))
	case t.IsAtom():
		formatAtom(sb, t, atoms)
	case t.IsPid():
		sb.WriteString(FormatPid(t))
	case t.IsCons():
		sb.WriteByte('[')
		for first := true; ; first = false {
			if !first {
				sb.WriteByte(',')
			}
			formatTerm(sb, h, h.ListHead(t), atoms)
			t = h.ListTail(t)
			if !t.IsCons() {
				break
			}
		}
		if t != Nil {
			sb.WriteByte('|')
			formatTerm(sb, h, t, atoms)
		}
		sb.WriteByte(']')
	case t.IsBoxed():
		formatBoxed(sb, h, t, atoms)
	default:
		fmt.Fprintf(sb, "#Word<%#x>", uint64(t))
	}
}

func formatBoxed(sb *strings.Builder, h *Heap, t Term, atoms *AtomTable) {
	hd, _ := h.object(t, "format")
	switch hd.kind() {
	case kindTuple:
		sb.WriteByte('{')
		for i := range hd.size() {
			if i > 0 {
				sb.WriteByte(',')
			}
			formatTerm(sb, h, h.TupleElement(t, i), atoms)
		}
		sb.WriteByte('}')
	case kindRef:
		fmt.Fprintf(sb, "#Ref<0.%d>", h.RefTicks(t))
	case kindInteger:
		sb.WriteString(strconv.FormatInt(h.IntegerValue(t), 10))
	case kindBinary:
		b := h.BinaryBytes(t)
		if printable(b) {
			fmt.Fprintf(sb, "<<%q>>", b)
			return
		}
		sb.WriteString("<<")
		for i, c := range b {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(c)))
		}
		sb.WriteString(">>")
	}
}

func formatAtom(sb *strings.Builder, t Term, atoms *AtomTable) {
	name := ""
	if atoms != nil {
		name = atoms.Name(t)
	}
	if name == "" {
		fmt.Fprintf(sb, "'#atom%d'", t.AtomIndex())
		return
	}
	if plainAtom(name) {
		sb.WriteString(name)
		return
	}
	sb.WriteByte('\'')
	sb.WriteString(strings.ReplaceAll(name, "'", `\'`))
	sb.WriteByte('\'')
}

func plainAtom(name string) bool {
	for i, r := range name {
		if i == 0 && !unicode.IsLower(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '@' {
			return false
		}
	}
	return name != ""
}

func printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
