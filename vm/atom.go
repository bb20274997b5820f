package vm

import "sync"

// Well-known atoms are interned first, in this order, by every AtomTable, so
// their terms are constants.
var wellKnownAtoms = []string{
	"false", "true", "ok", "error", "undefined", "normal", "badarg",
	"read_at", "write_at", "spawn", "minute", "second", "millisecond",
	"microsecond", "nanosecond", "native",
}

const (
	atomFalse uint32 = iota
	atomTrue
	atomOK
	atomError
	atomUndefined
	atomNormal
	atomBadarg
	atomReadAt
	atomWriteAt
	atomSpawn
	atomMinute
	atomSecond
	atomMillisecond
	atomMicrosecond
	atomNanosecond
	atomNative
)

// Pre-defined atoms
const (
	False       Term = Term(tagAtom<<tagShift | uint64(atomFalse))
	True        Term = Term(tagAtom<<tagShift | uint64(atomTrue))
	OK          Term = Term(tagAtom<<tagShift | uint64(atomOK))
	Error       Term = Term(tagAtom<<tagShift | uint64(atomError))
	Undefined   Term = Term(tagAtom<<tagShift | uint64(atomUndefined))
	Normal      Term = Term(tagAtom<<tagShift | uint64(atomNormal))
	Badarg      Term = Term(tagAtom<<tagShift | uint64(atomBadarg))
	ReadAt      Term = Term(tagAtom<<tagShift | uint64(atomReadAt))
	WriteAt     Term = Term(tagAtom<<tagShift | uint64(atomWriteAt))
	Spawn       Term = Term(tagAtom<<tagShift | uint64(atomSpawn))
	Minute      Term = Term(tagAtom<<tagShift | uint64(atomMinute))
	Second      Term = Term(tagAtom<<tagShift | uint64(atomSecond))
	Millisecond Term = Term(tagAtom<<tagShift | uint64(atomMillisecond))
	Microsecond Term = Term(tagAtom<<tagShift | uint64(atomMicrosecond))
	Nanosecond  Term = Term(tagAtom<<tagShift | uint64(atomNanosecond))
	NativeUnit  Term = Term(tagAtom<<tagShift | uint64(atomNative))
)

// FromBool returns the atom true or false.
func FromBool(b bool) Term {
	if b {
		return True
	}
	return False
}

// AtomTable maps atom names to dense indexes. Indexes are assigned in
// interning order and never reused.
type AtomTable struct {
	mu    sync.RWMutex
	index map[string]uint32
	names []string
}

// NewAtomTable creates an atom table holding the well-known atoms.
func NewAtomTable() *AtomTable {
	at := &AtomTable{
		index: make(map[string]uint32, len(wellKnownAtoms)),
		names: make([]string, 0, 64),
	}
	for _, name := range wellKnownAtoms {
		at.Intern(name)
	}
	return at
}

func (at *AtomTable) find(name string) (uint32, bool) {
	at.mu.RLock()
	defer at.mu.RUnlock()
	id, ok := at.index[name]
	return id, ok
}

// Intern returns the index of name, adding it to the table on first use.
func (at *AtomTable) Intern(name string) uint32 {
	if id, ok := at.find(name); ok {
		return id
	}

	at.mu.Lock()
	defer at.mu.Unlock()
	// lost a race with another Intern of the same name
	if id, ok := at.index[name]; ok {
		return id
	}
	id := uint32(len(at.names))
	at.index[name] = id
	at.names = append(at.names, name)
	return id
}

// Atom returns the atom term for name, interning it if needed.
func (at *AtomTable) Atom(name string) Term {
	return FromAtomIndex(at.Intern(name))
}

// Lookup returns the atom term for name without interning it.
func (at *AtomTable) Lookup(name string) (Term, bool) {
	id, ok := at.find(name)
	return FromAtomIndex(id), ok
}

// Name returns the name of atom t, or "" if t is not a known atom.
func (at *AtomTable) Name(t Term) string {
	if !t.IsAtom() {
		return ""
	}
	id := t.AtomIndex()

	at.mu.RLock()
	defer at.mu.RUnlock()
	if int(id) >= len(at.names) {
		return ""
	}
	return at.names[id]
}

// Len returns the number of interned atoms.
func (at *AtomTable) Len() int {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return len(at.names)
}
