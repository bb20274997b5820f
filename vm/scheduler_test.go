package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test harness: modules whose functions are Go closures
// ---------------------------------------------------------------------------

// stepFunc runs one quantum of a test process.
type stepFunc func(p *Process) (Outcome, error)

type funcModule struct {
	name    string
	exports map[string]int
	code    []stepFunc
}

func newFuncModule(name string) *funcModule {
	return &funcModule{name: name, exports: make(map[string]int)}
}

func (m *funcModule) Name() string { return m.name }

func (m *funcModule) ExportLabel(function string, arity int) (int, bool) {
	label, ok := m.exports[fmt.Sprintf("%s/%d", function, arity)]
	return label, ok
}

func (m *funcModule) export(function string, arity int, step stepFunc) {
	m.exports[fmt.Sprintf("%s/%d", function, arity)] = len(m.code)
	m.code = append(m.code, step)
}

// funcInterpreter runs the closure at the cursor of an interpreted process.
type funcInterpreter struct{}

func (funcInterpreter) Execute(p *Process, _ int) (Outcome, error) {
	c, ok := p.Cursor()
	if !ok {
		return Exit, errors.New("not interpreted")
	}
	m := c.Module.(*funcModule)
	return m.code[c.IP](p)
}

func newTestRuntime(opts Options) (*Runtime, *funcModule) {
	opts.Interpreter = funcInterpreter{}
	rt := New(opts)
	m := newFuncModule("test")
	rt.LoadModule(m)
	return rt, m
}

// spawnRoot starts module test:function/0 from the host.
func spawnRoot(t *testing.T, rt *Runtime, function string) (Term, *Process) {
	t.Helper()
	pid, err := rt.Spawn(nil, rt.Atom("test"), rt.Atom(function), Nil)
	if err != nil {
		t.Fatalf("Spawn %s: %v", function, err)
	}
	p, ok := rt.Registry().GetProcess(pid)
	if !ok {
		t.Fatalf("spawned pid %s not registered", FormatPid(pid))
	}
	return pid, p
}

// ---------------------------------------------------------------------------
// Scheduling tests
// ---------------------------------------------------------------------------

func TestSpawnAndReply(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	m.export("child", 1, func(p *Process) (Outcome, error) {
		parent := p.X[0]
		if p.Runtime().Registry().Whereis(rt.Atom("main")) != parent {
			return Exit, errors.New("parent is not registered as main")
		}
		msg, err := p.MakeTuple(p.Pid(), p.Runtime().Atom("hello"))
		if err != nil {
			return Exit, err
		}
		return Exit, p.Runtime().Send(p.Heap(), parent, msg)
	})

	var (
		spawned Term
		reply   string
		from    Term
	)
	m.export("parent", 0, func(p *Process) (Outcome, error) {
		if spawned == Nil {
			if _, err := p.CallNif("erlang", "register", rt.Atom("main"), p.Pid()); err != nil {
				return Exit, err
			}
			args, err := p.MakeList(p.Pid())
			if err != nil {
				return Exit, err
			}
			spawned, err = p.CallNif("erlang", "spawn", rt.Atom("test"), rt.Atom("child"), args)
			if err != nil {
				return Exit, err
			}
			return Wait, nil
		}
		msg, ok := p.Dequeue()
		if !ok {
			return Wait, nil
		}
		reply = Format(p.Heap(), msg, rt.Atoms())
		from = p.Heap().TupleElement(msg, 0)
		return Exit, nil
	})

	parentPid, _ := spawnRoot(t, rt, "parent")
	rt.Scheduler().RunUntilIdle()

	if !spawned.IsPid() {
		t.Fatalf("spawn returned %s, want a pid", Format(nil, spawned, rt.Atoms()))
	}
	if spawned == parentPid {
		t.Error("child got the parent's pid")
	}
	want := fmt.Sprintf("{%s,hello}", FormatPid(spawned))
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
	if from != spawned {
		t.Errorf("reply came from %s, want %s", FormatPid(from), FormatPid(spawned))
	}
	if n := rt.Registry().ProcessCount(); n != 0 {
		t.Errorf("ProcessCount = %d after both exited, want 0", n)
	}
}

func TestRoundRobin(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	var trace []string
	worker := func(name string) stepFunc {
		n := 0
		return func(p *Process) (Outcome, error) {
			trace = append(trace, name)
			n++
			if n == 3 {
				return Exit, nil
			}
			return Yield, nil
		}
	}
	m.export("a", 0, worker("a"))
	m.export("b", 0, worker("b"))
	m.export("c", 0, worker("c"))

	spawnRoot(t, rt, "a")
	spawnRoot(t, rt, "b")
	spawnRoot(t, rt, "c")

	if n := rt.Scheduler().RunUntilIdle(); n != 9 {
		t.Errorf("RunUntilIdle = %d quanta, want 9", n)
	}
	if got := strings.Join(trace, ""); got != "abcabcabc" {
		t.Errorf("trace = %s, want abcabcabc", got)
	}
	if rt.Scheduler().Quanta() != 9 {
		t.Errorf("Quanta = %d, want 9", rt.Scheduler().Quanta())
	}
}

func TestWaitBlocksUntilSend(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	var got []Term
	m.export("sink", 0, func(p *Process) (Outcome, error) {
		for {
			msg, ok := p.Dequeue()
			if !ok {
				return Wait, nil
			}
			got = append(got, msg)
		}
	})
	pid, p := spawnRoot(t, rt, "sink")

	rt.Scheduler().RunUntilIdle()
	if p.State() != BlockedOnMailbox {
		t.Fatalf("state = %s, want waiting", p.State())
	}
	if rt.Scheduler().Step() {
		t.Error("a waiting process must not be scheduled")
	}

	for i := range 3 {
		if err := rt.Send(nil, pid, FromSmallInt(int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if p.State() != Runnable {
		t.Fatalf("state = %s after send, want runnable", p.State())
	}
	rt.Scheduler().RunUntilIdle()

	if len(got) != 3 {
		t.Fatalf("received %d messages, want 3", len(got))
	}
	for i, msg := range got {
		if msg != FromSmallInt(int64(i)) {
			t.Errorf("message %d = %v, want %d", i, msg, i)
		}
	}
}

func TestContractViolationTerminatesOnlyOffender(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	m.export("bad", 0, func(p *Process) (Outcome, error) {
		p.Heap().TupleArity(FromSmallInt(1))
		return Exit, nil
	})
	done := false
	m.export("good", 0, func(p *Process) (Outcome, error) {
		done = true
		return Exit, nil
	})

	_, bad := spawnRoot(t, rt, "bad")
	spawnRoot(t, rt, "good")
	rt.Scheduler().RunUntilIdle()

	if bad.State() != Terminated {
		t.Errorf("offender state = %s, want terminated", bad.State())
	}
	if !errors.Is(bad.ExitReason(), ErrBadArg) {
		t.Errorf("exit reason = %v, want badarg", bad.ExitReason())
	}
	var contract *ContractError
	if !errors.As(bad.ExitReason(), &contract) || contract.Op != "tuple_arity" {
		t.Errorf("exit reason = %#v, want a tuple_arity contract error", bad.ExitReason())
	}
	if !done {
		t.Error("the other process did not run")
	}
	if !bad.Heap().Released() {
		t.Error("heap of the terminated process was not released")
	}
}

func TestInterpreterErrorTerminates(t *testing.T) {
	rt, m := newTestRuntime(Options{})
	boom := errors.New("boom")
	m.export("fail", 0, func(p *Process) (Outcome, error) { return Yield, boom })

	_, p := spawnRoot(t, rt, "fail")
	rt.Scheduler().RunUntilIdle()
	if !errors.Is(p.ExitReason(), boom) {
		t.Errorf("exit reason = %v, want boom", p.ExitReason())
	}
}

func TestExitRequest(t *testing.T) {
	rt, m := newTestRuntime(Options{})
	m.export("quit", 0, func(p *Process) (Outcome, error) {
		p.Exit(nil)
		return Yield, nil
	})
	_, p := spawnRoot(t, rt, "quit")
	if n := rt.Scheduler().RunUntilIdle(); n != 1 {
		t.Errorf("RunUntilIdle = %d, want 1", n)
	}
	if p.State() != Terminated || p.ExitReason() != nil {
		t.Errorf("state = %s, reason = %v; want normal termination", p.State(), p.ExitReason())
	}
}

func TestNoInterpreter(t *testing.T) {
	rt := New(Options{})
	rt.LoadModule(newFuncModule("test"))
	m, _ := rt.Module("test")
	m.(*funcModule).export("main", 0, func(*Process) (Outcome, error) { return Exit, nil })

	_, p := spawnRoot(t, rt, "main")
	rt.Scheduler().RunUntilIdle()
	if !errors.Is(p.ExitReason(), ErrNoInterpreter) {
		t.Errorf("exit reason = %v, want ErrNoInterpreter", p.ExitReason())
	}
}

func TestSpawnUndefined(t *testing.T) {
	rt, m := newTestRuntime(Options{})
	m.export("one", 1, func(*Process) (Outcome, error) { return Exit, nil })

	tests := []struct {
		module, function string
	}{
		{"missing", "one"},
		{"test", "two"},
		{"test", "one"}, // wrong arity
	}
	for _, tt := range tests {
		_, err := rt.Spawn(nil, rt.Atom(tt.module), rt.Atom(tt.function), Nil)
		if !errors.Is(err, ErrUndefinedFunction) {
			t.Errorf("Spawn %s:%s/0: err = %v, want ErrUndefinedFunction", tt.module, tt.function, err)
		}
	}
	if rt.Registry().ProcessCount() != 0 {
		t.Error("failed spawns must not leave processes behind")
	}

	if _, err := rt.Spawn(nil, FromSmallInt(1), rt.Atom("one"), Nil); !errors.Is(err, ErrBadArg) {
		t.Errorf("non-atom module: err = %v, want badarg", err)
	}
}

func TestSpawnCopiesArguments(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	var got string
	m.export("show", 2, func(p *Process) (Outcome, error) {
		got = Format(p.Heap(), p.X[0], rt.Atoms()) + " " + Format(p.Heap(), p.X[1], rt.Atoms())
		return Exit, nil
	})

	src := NewHeap(32, 0)
	tup := src.AllocTuple(2)
	src.PutTupleElement(tup, 0, OK)
	src.PutTupleElement(tup, 1, src.AllocBinary([]byte("x")))
	args := src.AllocCons(tup, src.AllocCons(FromSmallInt(3), Nil))

	if _, err := rt.Spawn(src, rt.Atom("test"), rt.Atom("show"), args); err != nil {
		t.Fatal(err)
	}
	// the caller's heap may change freely after spawn returns
	src.PutTupleElement(tup, 0, Error)

	rt.Scheduler().RunUntilIdle()
	if got != `{ok,<<"x">>} 3` {
		t.Errorf("arguments = %q", got)
	}
}

func TestSendToStalePid(t *testing.T) {
	rt, m := newTestRuntime(Options{})
	m.export("quick", 0, func(*Process) (Outcome, error) { return Exit, nil })
	m.export("idle", 0, func(*Process) (Outcome, error) { return Wait, nil })

	old, _ := spawnRoot(t, rt, "quick")
	rt.Scheduler().RunUntilIdle()

	if err := rt.Send(nil, old, OK); err != nil {
		t.Errorf("send to a dead pid should be a no-op, got %v", err)
	}

	// the new process reuses the slot under a new generation
	fresh, p := spawnRoot(t, rt, "idle")
	if fresh.PidSlot() != old.PidSlot() {
		t.Fatalf("slot not reused: %s vs %s", FormatPid(fresh), FormatPid(old))
	}
	if fresh == old {
		t.Fatal("reused slot kept the same pid")
	}
	if err := rt.Send(nil, old, OK); err != nil {
		t.Fatal(err)
	}
	if p.Mailbox().Len() != 0 {
		t.Error("message for a stale pid reached the slot's new owner")
	}
	if err := rt.Send(nil, FromSmallInt(1), OK); !errors.Is(err, ErrBadArg) {
		t.Errorf("send to a non-pid: err = %v, want badarg", err)
	}
}

func TestSendExhaustsTarget(t *testing.T) {
	rt, m := newTestRuntime(Options{InitialHeapWords: 8, MaxHeapWords: 8})
	m.export("idle", 0, func(*Process) (Outcome, error) { return Wait, nil })

	pid, p := spawnRoot(t, rt, "idle")
	rt.Scheduler().RunUntilIdle()

	src := NewHeap(256, 0)
	big := Nil
	for i := range 50 {
		big = src.AllocCons(FromSmallInt(int64(i)), big)
	}
	if err := rt.Send(src, pid, big); err != nil {
		t.Errorf("the sender is not at fault, got %v", err)
	}
	if p.State() != Terminated {
		t.Fatalf("target state = %s, want terminated", p.State())
	}
	if !errors.Is(p.ExitReason(), ErrHeapExhausted) {
		t.Errorf("exit reason = %v, want ErrHeapExhausted", p.ExitReason())
	}
	if _, ok := rt.Registry().GetProcess(pid); ok {
		t.Error("exhausted process still registered")
	}
}

func TestSelfSendKeepsMessage(t *testing.T) {
	rt, m := newTestRuntime(Options{InitialHeapWords: 16})

	var got string
	sent := false
	m.export("loop", 0, func(p *Process) (Outcome, error) {
		if !sent {
			sent = true
			msg, err := p.MakeList(FromSmallInt(1), FromSmallInt(2), FromSmallInt(3), FromSmallInt(4), FromSmallInt(5))
			if err != nil {
				return Exit, err
			}
			// the copy does not fit without a collection
			return Wait, p.Runtime().Send(p.Heap(), p.Pid(), msg)
		}
		msg, ok := p.Dequeue()
		if !ok {
			return Wait, nil
		}
		got = Format(p.Heap(), msg, nil)
		return Exit, nil
	})

	spawnRoot(t, rt, "loop")
	rt.Scheduler().RunUntilIdle()
	if got != "[1,2,3,4,5]" {
		t.Errorf("self-sent message = %q, want [1,2,3,4,5]", got)
	}
}

// ---------------------------------------------------------------------------
// Host submission tests
// ---------------------------------------------------------------------------

func TestSubmitRunsBetweenQuanta(t *testing.T) {
	rt, _ := newTestRuntime(Options{})

	var order []string
	rt.Scheduler().Submit(func() { order = append(order, "first") })
	rt.Scheduler().Submit(func() { order = append(order, "second") })
	if len(order) != 0 {
		t.Fatal("Submit ran synchronously")
	}

	rt.Scheduler().Step()
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("order = %v", order)
	}
}

func TestSubmitContractViolationIsContained(t *testing.T) {
	rt, _ := newTestRuntime(Options{})

	stale := NewHeap(8, 0)
	tup := stale.AllocTuple(1)
	stale.release()

	ran := false
	rt.Scheduler().Submit(func() { stale.TupleArity(tup) })
	rt.Scheduler().Submit(func() { ran = true })
	rt.Scheduler().RunUntilIdle()

	if !ran {
		t.Error("submission after a contract violation did not run")
	}
}

func TestSubmitRuntimeFaultPropagates(t *testing.T) {
	rt, _ := newTestRuntime(Options{})
	rt.Scheduler().Submit(func() { fault("broken invariant") })

	defer func() {
		if _, ok := recover().(*RuntimeFault); !ok {
			t.Error("expected the runtime fault to propagate")
		}
	}()
	rt.Scheduler().Step()
}

func TestRunAndDo(t *testing.T) {
	rt, m := newTestRuntime(Options{})

	var got []string
	m.export("sink", 0, func(p *Process) (Outcome, error) {
		for {
			msg, ok := p.Dequeue()
			if !ok {
				return Wait, nil
			}
			got = append(got, Format(p.Heap(), msg, rt.Atoms()))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Scheduler().Run(ctx) }()

	doCtx, doCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer doCancel()

	var pid Term
	err := rt.Scheduler().Do(doCtx, func() error {
		var err error
		pid, err = rt.Spawn(nil, rt.Atom("test"), rt.Atom("sink"), Nil)
		return err
	})
	if err != nil {
		t.Fatalf("Do spawn: %v", err)
	}
	if err := rt.Scheduler().Do(doCtx, func() error { return rt.Send(nil, pid, OK) }); err != nil {
		t.Fatalf("Do send: %v", err)
	}

	// the sink ran in the same step that served the send
	var received []string
	if err := rt.Scheduler().Do(doCtx, func() error {
		received = append(received, got...)
		return nil
	}); err != nil {
		t.Fatalf("Do read: %v", err)
	}
	if strings.Join(received, ",") != "ok" {
		t.Errorf("received %v, want [ok]", received)
	}

	// contract violations inside Do come back as errors
	err = rt.Scheduler().Do(doCtx, func() error {
		NewHeap(1, 0).TupleArity(OK)
		return nil
	})
	if !errors.Is(err, ErrBadArg) {
		t.Errorf("Do panic: err = %v, want badarg", err)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
