package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrBadArg marks a wrongly typed or shaped argument to a runtime
	// operation.
	ErrBadArg = errors.New("badarg")

	// ErrStaleTerm is raised when a boxed term is read through a heap that
	// did not allocate it, or after the region it points into was collected.
	ErrStaleTerm = errors.New("stale or foreign term handle")

	// ErrHeapOverflow is raised when an allocation primitive runs without
	// enough free words; callers must EnsureFree first.
	ErrHeapOverflow = errors.New("allocation without ensured free space")

	// ErrHeapExhausted is returned by EnsureFree when a collection cannot make
	// room. It is fatal to the owning process only.
	ErrHeapExhausted = errors.New("heap exhausted")

	// ErrUndefinedFunction is returned by Spawn when the module or the
	// exported function does not exist.
	ErrUndefinedFunction = errors.New("undefined function")

	// ErrUnknownPort is returned by OpenPort for an unregistered driver name.
	ErrUnknownPort = errors.New("unknown port driver")

	// ErrProcessLimit is returned when the process table has no free slot.
	ErrProcessLimit = errors.New("process table full")

	// ErrNoInterpreter terminates interpreted processes on a runtime
	// configured without an Interpreter.
	ErrNoInterpreter = errors.New("no interpreter configured")
)

// ContractError reports a programming-contract violation: the wrong arity or
// argument type was passed to a runtime operation. Term accessors panic with
// a *ContractError; the scheduler recovers it and terminates only the
// offending process.
type ContractError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ContractError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Reason)
}

func (e *ContractError) Unwrap() error { return e.Err }

func badarg(op, reason string) *ContractError {
	return &ContractError{Op: op, Reason: reason, Err: ErrBadArg}
}

func stale(op string) *ContractError {
	return &ContractError{Op: op, Err: ErrStaleTerm}
}

// RuntimeFault is a broken runtime invariant (registry corruption, double
// free of a pid slot). It is never recovered by the scheduler.
type RuntimeFault struct {
	Msg string
}

func (f *RuntimeFault) Error() string { return "runtime fault: " + f.Msg }

func fault(format string, args ...any) {
	f := &RuntimeFault{Msg: fmt.Sprintf(format, args...)}
	log.Criticalf("%s", f.Msg)
	panic(f)
}

// recoveredError converts a recovered panic value into an exit reason.
func recoveredError(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	}
	return fmt.Errorf("%v", r)
}
