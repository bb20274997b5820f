package vm

import "fmt"

// ---------------------------------------------------------------------------
// Process: one schedulable actor
// ---------------------------------------------------------------------------

// ProcessState is the scheduling state of a process.
type ProcessState int32

const (
	Runnable ProcessState = iota
	BlockedOnMailbox
	Terminated
)

func (s ProcessState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case BlockedOnMailbox:
		return "waiting"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("ProcessState(%d)", int32(s))
}

// MaxRegisters is the size of the register file.
const MaxRegisters = 16

// ExitAddress is the continuation pointer of a freshly spawned process.
// Returning to it ends the process normally.
const ExitAddress = -1

// Module is the interface the core needs from a loaded code module.
type Module interface {
	Name() string
	// ExportLabel resolves an exported function to its entry label.
	ExportLabel(function string, arity int) (label int, ok bool)
}

// Cursor is the execution position of an interpreted process.
type Cursor struct {
	Module Module
	IP     int // current instruction (label) offset
	CP     int // continuation pointer
}

// NativeHandler runs one quantum of a port: it should dequeue exactly one
// message and process it to completion. A non-nil error terminates the port.
type NativeHandler func(p *Process) error

// execution is either *Interpreted or *Native.
type execution interface {
	mode() string
}

// Interpreted is the execution state of a bytecode process.
type Interpreted struct {
	Cursor Cursor
}

func (*Interpreted) mode() string { return "interpreted" }

// Native is the execution state of a port process.
type Native struct {
	Handler NativeHandler
}

func (*Native) mode() string { return "native" }

// Process owns one heap, one mailbox and one register file.
type Process struct {
	rt      *Runtime
	pid     Term
	heap    *Heap
	mailbox *Mailbox

	// X is the register file. Registers are collection roots.
	X [MaxRegisters]Term

	exec  execution
	state ProcessState

	exitRequested bool
	exitReason    error
	reductions    uint64
}

// Pid returns the process identifier.
func (p *Process) Pid() Term { return p.pid }

// Heap returns the process heap.
func (p *Process) Heap() *Heap { return p.heap }

// Mailbox returns the process mailbox.
func (p *Process) Mailbox() *Mailbox { return p.mailbox }

// Runtime returns the runtime the process belongs to.
func (p *Process) Runtime() *Runtime { return p.rt }

// State returns the scheduling state.
func (p *Process) State() ProcessState { return p.state }

// Mode returns "interpreted" or "native".
func (p *Process) Mode() string {
	if p.exec == nil {
		return "none"
	}
	return p.exec.mode()
}

// Cursor returns the execution cursor of an interpreted process.
func (p *Process) Cursor() (*Cursor, bool) {
	if in, ok := p.exec.(*Interpreted); ok {
		return &in.Cursor, true
	}
	return nil, false
}

// Reductions returns the number of quanta the process has been granted.
func (p *Process) Reductions() uint64 { return p.reductions }

// ExitReason returns why a terminated process stopped; nil means normal exit.
func (p *Process) ExitReason() error { return p.exitReason }

// Exit asks for termination at the end of the current quantum. A nil reason
// is a normal exit.
func (p *Process) Exit(reason error) {
	p.exitRequested = true
	p.exitReason = reason
}

// Dequeue removes the oldest message from the process mailbox.
// See Mailbox.Dequeue for the liveness rule of the returned term.
func (p *Process) Dequeue() (Term, bool) { return p.mailbox.Dequeue() }

// EachRoot implements Roots: the register file and every queued message.
func (p *Process) EachRoot(fn func(*Term)) {
	for i := range p.X {
		fn(&p.X[i])
	}
	p.mailbox.eachRoot(fn)
}

// EnsureFree guarantees n free heap words. Registers, queued messages and
// live are kept valid across a collection.
func (p *Process) EnsureFree(n int, live ...*Term) error {
	return p.heap.EnsureFree(n, withRoots(p, live...))
}

func termPtrs(ts []Term) []*Term {
	out := make([]*Term, len(ts))
	for i := range ts {
		out[i] = &ts[i]
	}
	return out
}

// MakeTuple allocates a tuple holding elems.
func (p *Process) MakeTuple(elems ...Term) (Term, error) {
	if err := p.EnsureFree(TupleWords(len(elems)), termPtrs(elems)...); err != nil {
		return Nil, err
	}
	t := p.heap.AllocTuple(len(elems))
	for i, e := range elems {
		p.heap.PutTupleElement(t, i, e)
	}
	return t, nil
}

// MakeList allocates a proper list holding elems.
func (p *Process) MakeList(elems ...Term) (Term, error) {
	if err := p.EnsureFree(ConsWords*len(elems), termPtrs(elems)...); err != nil {
		return Nil, err
	}
	list := Nil
	for i := len(elems) - 1; i >= 0; i-- {
		list = p.heap.AllocCons(elems[i], list)
	}
	return list, nil
}

// MakeString allocates s as a list of character codes.
func (p *Process) MakeString(s string) (Term, error) {
	runes := []rune(s)
	if err := p.EnsureFree(ConsWords * len(runes)); err != nil {
		return Nil, err
	}
	list := Nil
	for i := len(runes) - 1; i >= 0; i-- {
		list = p.heap.AllocCons(FromSmallInt(int64(runes[i])), list)
	}
	return list, nil
}

// MakeBinary allocates a binary holding a copy of b.
func (p *Process) MakeBinary(b []byte) (Term, error) {
	if err := p.EnsureFree(BinaryWords(len(b))); err != nil {
		return Nil, err
	}
	return p.heap.AllocBinary(b), nil
}

// MakeInteger returns n, boxed when it does not fit an immediate.
func (p *Process) MakeInteger(n int64) (Term, error) {
	if err := p.EnsureFree(IntegerSize(n)); err != nil {
		return Nil, err
	}
	return p.heap.Integer(n), nil
}

// MakeRef allocates a reference with a fresh runtime-wide tick value.
func (p *Process) MakeRef() (Term, error) {
	if err := p.EnsureFree(RefWords); err != nil {
		return Nil, err
	}
	return p.heap.AllocRef(p.rt.registry.NextRefTicks()), nil
}

func (p *Process) String() string {
	return fmt.Sprintf("%s(%s)", FormatPid(p.pid), p.Mode())
}
