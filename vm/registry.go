package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Registry: pid and name resolution
// ---------------------------------------------------------------------------

// Registry maps pids to live processes and names to pids, and mints
// reference ticks. It is the only state shared between processes; every
// mutation happens under its mutex so a parallel host stays consistent.
//
// Pids carry the generation of their slot. Removing a process bumps the
// generation, so a stale pid resolves to nothing even after the slot is
// reused.
type Registry struct {
	mu    sync.RWMutex
	slots []procSlot
	free  []uint32
	names map[Term]Term // atom -> pid
	count int

	refTicks atomic.Uint64
}

type procSlot struct {
	gen  uint32
	proc *Process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[Term]Term),
	}
}

func (r *Registry) insert(p *Process) (Term, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		if uint64(len(r.slots)) > pidSlotMask {
			return Nil, ErrProcessLimit
		}
		slot = uint32(len(r.slots))
		r.slots = append(r.slots, procSlot{})
	}
	if r.slots[slot].proc != nil {
		fault("registry: free list hands out occupied slot %d", slot)
	}
	r.slots[slot].proc = p
	r.count++
	return FromPid(slot, r.slots[slot].gen), nil
}

func (r *Registry) remove(pid Term) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := pid.PidSlot()
	if int(slot) >= len(r.slots) || r.slots[slot].proc == nil || r.slots[slot].gen != pid.PidGeneration() {
		fault("registry: double free of pid slot %d", slot)
	}
	r.slots[slot].proc = nil
	r.slots[slot].gen++
	r.free = append(r.free, slot)
	r.count--

	for name, bound := range r.names {
		if bound == pid {
			delete(r.names, name)
		}
	}
}

// GetProcess resolves pid to its live process. Terminated or never issued
// pids resolve to nothing.
func (r *Registry) GetProcess(pid Term) (*Process, bool) {
	if !pid.IsPid() {
		return nil, false
	}
	slot := pid.PidSlot()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(slot) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[slot]
	if s.proc == nil || s.gen != pid.PidGeneration() {
		return nil, false
	}
	return s.proc, true
}

// Register binds name to pid, replacing any previous binding for name.
func (r *Registry) Register(name, pid Term) error {
	if !name.IsAtom() {
		return badarg("register", "name is not an atom")
	}
	if !pid.IsPid() {
		return badarg("register", "not a pid")
	}
	r.mu.Lock()
	r.names[name] = pid
	r.mu.Unlock()
	return nil
}

// Unregister removes the binding for name and reports whether there was one.
func (r *Registry) Unregister(name Term) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	delete(r.names, name)
	return ok
}

// Whereis returns the pid registered under name, or the atom undefined.
func (r *Registry) Whereis(name Term) Term {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pid, ok := r.names[name]; ok {
		return pid
	}
	return Undefined
}

// RegisteredName returns a name bound to pid, if any.
func (r *Registry) RegisteredName(pid Term) (Term, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, bound := range r.names {
		if bound == pid {
			return name, true
		}
	}
	return Nil, false
}

// NextRefTicks returns a strictly increasing tick value, never repeated for
// the lifetime of the registry.
func (r *Registry) NextRefTicks() uint64 {
	return r.refTicks.Add(1)
}

// ProcessCount returns the number of live processes.
func (r *Registry) ProcessCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Pids returns the pids of all live processes in slot order.
func (r *Registry) Pids() []Term {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pids := make([]Term, 0, r.count)
	for i, s := range r.slots {
		if s.proc != nil {
			pids = append(pids, FromPid(uint32(i), s.gen))
		}
	}
	return pids
}
