package vm

import (
	"errors"
	"fmt"
)

// NifFunc is a native function callable from interpreted code. args aliases
// the first registers of p, so collections the NIF triggers relocate them.
// A NIF runs to completion within its caller's quantum and never blocks.
// Returning an error terminates the caller.
type NifFunc func(p *Process, args []Term) (Term, error)

func nifKey(module, function string, arity int) string {
	return fmt.Sprintf("%s:%s/%d", module, function, arity)
}

// RegisterNif installs a native function under module:function/arity.
func (rt *Runtime) RegisterNif(module, function string, arity int, fn NifFunc) {
	rt.mu.Lock()
	rt.nifs[nifKey(module, function, arity)] = fn
	rt.mu.Unlock()
}

// Nif looks up a native function.
func (rt *Runtime) Nif(module, function string, arity int) (NifFunc, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	fn, ok := rt.nifs[nifKey(module, function, arity)]
	return fn, ok
}

// CallNif loads args into the registers of p and calls the named NIF.
func (p *Process) CallNif(module, function string, args ...Term) (Term, error) {
	fn, ok := p.rt.Nif(module, function, len(args))
	if !ok {
		return Nil, fmt.Errorf("%w: %s", ErrUndefinedFunction, nifKey(module, function, len(args)))
	}
	if len(args) > MaxRegisters {
		return Nil, badarg(nifKey(module, function, len(args)), "too many arguments")
	}
	copy(p.X[:], args)
	return fn(p, p.X[:len(args)])
}

func (rt *Runtime) registerNifs() {
	rt.RegisterNif("erlang", "spawn", 3, nifSpawn)
	rt.RegisterNif("erlang", "send", 2, nifSend)
	rt.RegisterNif("erlang", "register", 2, nifRegister)
	rt.RegisterNif("erlang", "whereis", 1, nifWhereis)
	rt.RegisterNif("erlang", "make_ref", 0, nifMakeRef)
	rt.RegisterNif("erlang", "open_port", 2, nifOpenPort)
	rt.RegisterNif("erlang", "++", 2, nifConcat)
	rt.RegisterNif("erlang", "setelement", 3, nifSetElement)
	rt.RegisterNif("erlang", "system_time", 1, nifSystemTime)
	rt.RegisterNif("erlang", "universaltime", 0, nifUniversalTime)
	rt.RegisterNif("erts_debug", "flat_size", 1, nifFlatSize)
}

func nifSpawn(p *Process, args []Term) (Term, error) {
	pid, err := p.rt.Spawn(p.heap, args[0], args[1], args[2])
	if errors.Is(err, ErrUndefinedFunction) {
		return Undefined, nil
	}
	return pid, err
}

func nifSend(p *Process, args []Term) (Term, error) {
	if err := p.rt.Send(p.heap, args[0], args[1]); err != nil {
		return Nil, err
	}
	return args[1], nil
}

func nifRegister(p *Process, args []Term) (Term, error) {
	if err := p.rt.registry.Register(args[0], args[1]); err != nil {
		return Nil, err
	}
	return Nil, nil
}

func nifWhereis(p *Process, args []Term) (Term, error) {
	if !args[0].IsAtom() {
		return Nil, badarg("whereis", "not an atom")
	}
	return p.rt.registry.Whereis(args[0]), nil
}

func nifMakeRef(p *Process, _ []Term) (Term, error) {
	return p.MakeRef()
}

// nifOpenPort implements open_port({spawn, Name}, Opts).
func nifOpenPort(p *Process, args []Term) (Term, error) {
	h := p.heap
	portName, opts := args[0], args[1]
	if !portName.IsBoxed() || !h.IsTuple(portName) || h.TupleArity(portName) != 2 ||
		h.TupleElement(portName, 0) != Spawn || !opts.IsList() {
		return Nil, badarg("open_port", "expected {spawn, Name} and an option list")
	}
	name, ok := TermToString(h, h.TupleElement(portName, 1))
	if !ok {
		return Error, nil
	}
	pid, err := p.rt.OpenPort(h, name, opts)
	if err != nil {
		log.Warningf("open_port %q: %v", name, err)
		return Error, nil
	}
	return pid, nil
}

// nifConcat implements ++: a copy of the first list ending in the second.
func nifConcat(p *Process, args []Term) (Term, error) {
	if args[0] == Nil {
		return args[1], nil
	}
	n, proper := ListLength(p.heap, args[0])
	if n == 0 || !proper {
		return Nil, badarg("++", "not a proper list")
	}
	if err := p.EnsureFree(ConsWords * n); err != nil {
		return Nil, err
	}

	// args may have moved
	h := p.heap
	first, last := Nil, Nil
	for t := args[0]; t.IsCons(); t = h.ListTail(t) {
		cell := h.AllocCons(h.ListHead(t), Nil)
		if last == Nil {
			first = cell
		} else {
			h.SetListTail(last, cell)
		}
		last = cell
	}
	h.SetListTail(last, args[1])
	return first, nil
}

// nifSetElement implements setelement(Index, Tuple, Value) with a 1-based index.
func nifSetElement(p *Process, args []Term) (Term, error) {
	h := p.heap
	if !args[0].IsSmallInt() || !args[1].IsBoxed() || !h.IsTuple(args[1]) {
		return Nil, badarg("setelement", "expected an index and a tuple")
	}
	arity := h.TupleArity(args[1])
	idx := args[0].SmallInt() - 1
	if idx < 0 || idx >= int64(arity) {
		return Nil, badarg("setelement", fmt.Sprintf("index %d out of range", idx+1))
	}
	if err := p.EnsureFree(TupleWords(arity)); err != nil {
		return Nil, err
	}

	out := h.AllocTuple(arity)
	for i := range arity {
		h.PutTupleElement(out, i, h.TupleElement(args[1], i))
	}
	h.PutTupleElement(out, int(idx), args[2])
	return out, nil
}

// nifSystemTime implements system_time(Unit). Values that do not fit an
// immediate come back boxed.
func nifSystemTime(p *Process, args []Term) (Term, error) {
	now := p.rt.opts.Now()
	var v int64
	switch args[0] {
	case Minute:
		v = now.Unix() / 60
	case Second:
		v = now.Unix()
	case Millisecond:
		v = now.UnixMilli()
	case Microsecond:
		v = now.UnixMicro()
	case Nanosecond, NativeUnit:
		v = now.UnixNano()
	default:
		return Nil, badarg("system_time", "unknown time unit")
	}
	return p.MakeInteger(v)
}

// nifUniversalTime implements universaltime(): {{Y,M,D},{H,Mi,S}}.
func nifUniversalTime(p *Process, _ []Term) (Term, error) {
	now := p.rt.opts.Now().UTC()
	if err := p.EnsureFree(TupleWords(3) + TupleWords(3) + TupleWords(2)); err != nil {
		return Nil, err
	}
	h := p.heap
	date := h.AllocTuple(3)
	h.PutTupleElement(date, 0, FromSmallInt(int64(now.Year())))
	h.PutTupleElement(date, 1, FromSmallInt(int64(now.Month())))
	h.PutTupleElement(date, 2, FromSmallInt(int64(now.Day())))

	clock := h.AllocTuple(3)
	h.PutTupleElement(clock, 0, FromSmallInt(int64(now.Hour())))
	h.PutTupleElement(clock, 1, FromSmallInt(int64(now.Minute())))
	h.PutTupleElement(clock, 2, FromSmallInt(int64(now.Second())))

	dt := h.AllocTuple(2)
	h.PutTupleElement(dt, 0, date)
	h.PutTupleElement(dt, 1, clock)
	return dt, nil
}

func nifFlatSize(p *Process, args []Term) (Term, error) {
	return FromSmallInt(int64(FlatSize(p.heap, args[0]))), nil
}
