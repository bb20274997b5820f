package vm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tinybeam.runtime")

// ---------------------------------------------------------------------------
// Runtime: one isolated runtime instance
// ---------------------------------------------------------------------------

// Options configures a Runtime.
type Options struct {
	// InitialHeapWords is the starting heap size of every process.
	InitialHeapWords int
	// MaxHeapWords bounds heap growth; zero selects the default and a
	// negative value means unbounded.
	MaxHeapWords int
	// Reductions is the quantum granted to interpreted processes.
	Reductions int
	// Interpreter executes interpreted processes.
	Interpreter Interpreter
	// Console receives output of the console port.
	Console io.Writer
	// Now is the clock used by time NIFs.
	Now func() time.Time
}

// Defaults
const (
	DefaultInitialHeapWords = 256
	DefaultMaxHeapWords     = 8 << 20
	DefaultReductions       = 1024
)

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		InitialHeapWords: DefaultInitialHeapWords,
		MaxHeapWords:     DefaultMaxHeapWords,
		Reductions:       DefaultReductions,
		Console:          os.Stdout,
		Now:              time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialHeapWords <= 0 {
		o.InitialHeapWords = d.InitialHeapWords
	}
	if o.MaxHeapWords < 0 {
		o.MaxHeapWords = 0
	} else if o.MaxHeapWords == 0 {
		o.MaxHeapWords = d.MaxHeapWords
	}
	if o.Reductions <= 0 {
		o.Reductions = d.Reductions
	}
	if o.Console == nil {
		o.Console = d.Console
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// PortFactory builds the native handler of a newly opened port. opts lives
// in src, the heap of the process opening the port, and is only valid for
// the duration of the call.
type PortFactory func(port *Process, src *Heap, opts Term) (NativeHandler, error)

// Runtime owns every table of one runtime instance: atoms, modules, NIFs,
// port drivers, the registry and the scheduler. It is passed explicitly;
// separate instances share nothing.
type Runtime struct {
	id        uuid.UUID
	opts      Options
	atoms     *AtomTable
	registry  *Registry
	scheduler *Scheduler

	mu      sync.RWMutex
	modules map[string]Module
	nifs    map[string]NifFunc
	drivers map[string]PortFactory
}

// New creates a runtime with the built-in NIFs and the echo and console
// port drivers installed.
func New(opts Options) *Runtime {
	rt := &Runtime{
		id:       uuid.New(),
		opts:     opts.withDefaults(),
		atoms:    NewAtomTable(),
		registry: NewRegistry(),
		modules:  make(map[string]Module),
		nifs:     make(map[string]NifFunc),
		drivers:  make(map[string]PortFactory),
	}
	rt.scheduler = newScheduler(rt)
	rt.registerNifs()
	rt.registerPorts()
	log.Debugf("runtime %s created", rt.id)
	return rt
}

// ID returns the instance id.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// Options returns the effective options.
func (rt *Runtime) Options() Options { return rt.opts }

// Atoms returns the atom table.
func (rt *Runtime) Atoms() *AtomTable { return rt.atoms }

// Atom interns name and returns its atom term.
func (rt *Runtime) Atom(name string) Term { return rt.atoms.Atom(name) }

// Registry returns the pid/name registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Scheduler returns the scheduler.
func (rt *Runtime) Scheduler() *Scheduler { return rt.scheduler }

// LoadModule makes m available to Spawn, replacing a module of the same name.
func (rt *Runtime) LoadModule(m Module) {
	rt.mu.Lock()
	rt.modules[m.Name()] = m
	rt.mu.Unlock()
}

// Module returns the loaded module called name.
func (rt *Runtime) Module(name string) (Module, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.modules[name]
	return m, ok
}

// RegisterPortDriver makes a port driver available to OpenPort.
func (rt *Runtime) RegisterPortDriver(name string, f PortFactory) {
	rt.mu.Lock()
	rt.drivers[name] = f
	rt.mu.Unlock()
}

func (rt *Runtime) portDriver(name string) (PortFactory, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	f, ok := rt.drivers[name]
	return f, ok
}

func (rt *Runtime) newProcess(exec execution) (*Process, error) {
	p := &Process{
		rt:      rt,
		heap:    NewHeap(rt.opts.InitialHeapWords, rt.opts.MaxHeapWords),
		mailbox: newMailbox(),
		exec:    exec,
	}
	pid, err := rt.registry.insert(p)
	if err != nil {
		return nil, err
	}
	p.pid = pid
	return p, nil
}

// discard drops a process that never became schedulable.
func (rt *Runtime) discard(p *Process) {
	p.state = Terminated
	rt.registry.remove(p.pid)
	p.heap.release()
}

// Spawn creates an interpreted process running module:function with the
// elements of args as arguments. args lives in src and each element is
// deep-copied into a register of the new process. The process is runnable
// immediately and returns to ExitAddress when its entry function returns.
//
// A missing module or export yields ErrUndefinedFunction, which callers are
// expected to turn into an ordinary value.
func (rt *Runtime) Spawn(src *Heap, module, function, args Term) (Term, error) {
	if !module.IsAtom() || !function.IsAtom() {
		return Nil, badarg("spawn", "module and function must be atoms")
	}
	n, proper := ListLength(src, args)
	if !proper {
		return Nil, badarg("spawn", "arguments must be a proper list")
	}
	if n > MaxRegisters {
		return Nil, badarg("spawn", "too many arguments")
	}

	modName, funName := rt.atoms.Name(module), rt.atoms.Name(function)
	m, ok := rt.Module(modName)
	if !ok {
		return Nil, fmt.Errorf("%w: module %s not loaded", ErrUndefinedFunction, modName)
	}
	label, ok := m.ExportLabel(funName, n)
	if !ok {
		return Nil, fmt.Errorf("%w: %s:%s/%d", ErrUndefinedFunction, modName, funName, n)
	}

	p, err := rt.newProcess(&Interpreted{Cursor: Cursor{Module: m, IP: label, CP: ExitAddress}})
	if err != nil {
		return Nil, err
	}
	for i, t := 0, args; t.IsCons(); i, t = i+1, src.ListTail(t) {
		arg, err := CopyTermTree(p.heap, src, src.ListHead(t), 0, p)
		if err != nil {
			rt.discard(p)
			return Nil, fmt.Errorf("spawn %s:%s/%d: %w", modName, funName, n, err)
		}
		p.X[i] = arg
	}

	rt.scheduler.makeRunnable(p)
	log.Debugf("spawned %s running %s:%s/%d", FormatPid(p.pid), modName, funName, n)
	return p.pid, nil
}

// OpenPort creates a native process driven by the named port driver. Ports
// start blocked on their mailbox and only run when a message arrives.
func (rt *Runtime) OpenPort(src *Heap, name string, opts Term) (Term, error) {
	factory, ok := rt.portDriver(name)
	if !ok {
		return Nil, fmt.Errorf("%w: %s", ErrUnknownPort, name)
	}
	p, err := rt.newProcess(nil)
	if err != nil {
		return Nil, err
	}
	handler, err := factory(p, src, opts)
	if err != nil {
		rt.discard(p)
		return Nil, fmt.Errorf("open_port %s: %w", name, err)
	}
	p.exec = &Native{Handler: handler}
	rt.scheduler.makeWaiting(p)
	log.Debugf("opened port %s as %s", name, FormatPid(p.pid))
	return p.pid, nil
}

// Send deep-copies msg, which lives in src, into the heap of the process
// identified by pid and appends it to that process's mailbox, waking it if
// it was waiting. Sending to a pid with no live process silently drops the
// message. src may be nil when msg is immediate.
//
// If the target heap cannot hold the message the target is terminated; the
// sender is not at fault.
func (rt *Runtime) Send(src *Heap, pid, msg Term) error {
	if !pid.IsPid() {
		return badarg("send", "destination is not a pid")
	}
	if src == nil && !msg.IsImmediate() {
		return badarg("send", "boxed message without a source heap")
	}
	target, ok := rt.registry.GetProcess(pid)
	if !ok {
		log.Debugf("send to stale pid %s dropped", FormatPid(pid))
		return nil
	}

	copied, err := CopyTermTree(target.heap, src, msg, 0, target)
	if err != nil {
		rt.scheduler.fail(target, err)
		return nil
	}
	target.mailbox.enqueue(copied)
	rt.scheduler.wakeup(target)
	return nil
}
