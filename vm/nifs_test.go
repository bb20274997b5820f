package vm

import (
	"errors"
	"testing"
	"time"
)

// nifProcess returns a standalone process to call NIFs from.
func nifProcess(t *testing.T, opts Options) (*Runtime, *Process) {
	t.Helper()
	rt, _ := newTestRuntime(opts)
	p, err := rt.newProcess(nil)
	if err != nil {
		t.Fatal(err)
	}
	return rt, p
}

func mustNif(t *testing.T, p *Process, function string, args ...Term) Term {
	t.Helper()
	v, err := p.CallNif("erlang", function, args...)
	if err != nil {
		t.Fatalf("erlang:%s/%d: %v", function, len(args), err)
	}
	return v
}

func TestNifConcat(t *testing.T) {
	rt, p := nifProcess(t, Options{})
	a, _ := p.MakeList(FromSmallInt(1), FromSmallInt(2))
	p.X[8] = a
	b, _ := p.MakeList(FromSmallInt(3))

	v := mustNif(t, p, "++", p.X[8], b)
	if got := Format(p.Heap(), v, rt.Atoms()); got != "[1,2,3]" {
		t.Errorf("++ = %s, want [1,2,3]", got)
	}

	v = mustNif(t, p, "++", Nil, OK)
	if v != OK {
		t.Error("[] ++ X should be X")
	}

	if _, err := p.CallNif("erlang", "++", FromSmallInt(1), Nil); !errors.Is(err, ErrBadArg) {
		t.Errorf("non-list ++: err = %v, want badarg", err)
	}
}

func TestNifConcatCollects(t *testing.T) {
	rt, p := nifProcess(t, Options{InitialHeapWords: 8})
	a, _ := p.MakeList(FromSmallInt(1), FromSmallInt(2), FromSmallInt(3))

	v := mustNif(t, p, "++", a, Nil)
	if p.Heap().Collections() == 0 {
		t.Fatal("expected ++ to collect")
	}
	if got := Format(p.Heap(), v, rt.Atoms()); got != "[1,2,3]" {
		t.Errorf("++ = %s, want [1,2,3]", got)
	}
}

func TestNifSetElement(t *testing.T) {
	rt, p := nifProcess(t, Options{})
	a, b, c := rt.Atom("a"), rt.Atom("b"), rt.Atom("c")
	tup, _ := p.MakeTuple(a, b, c)

	v := mustNif(t, p, "setelement", FromSmallInt(2), tup, rt.Atom("x"))
	if got := Format(p.Heap(), v, rt.Atoms()); got != "{a,x,c}" {
		t.Errorf("setelement = %s, want {a,x,c}", got)
	}
	// the input tuple is untouched
	if got := Format(p.Heap(), p.X[1], rt.Atoms()); got != "{a,b,c}" {
		t.Errorf("input = %s, want {a,b,c}", got)
	}

	for _, idx := range []int64{0, 4} {
		if _, err := p.CallNif("erlang", "setelement", FromSmallInt(idx), p.X[1], OK); !errors.Is(err, ErrBadArg) {
			t.Errorf("setelement(%d): err = %v, want badarg", idx, err)
		}
	}
}

func TestNifRegisterWhereis(t *testing.T) {
	rt, p := nifProcess(t, Options{})
	name := rt.Atom("server")

	if v := mustNif(t, p, "whereis", name); v != Undefined {
		t.Errorf("whereis before register = %v, want undefined", v)
	}
	if v := mustNif(t, p, "register", name, p.Pid()); v != Nil {
		t.Errorf("register = %v, want []", v)
	}
	if v := mustNif(t, p, "whereis", name); v != p.Pid() {
		t.Errorf("whereis = %s, want %s", FormatPid(v), FormatPid(p.Pid()))
	}
	if _, err := p.CallNif("erlang", "whereis", FromSmallInt(1)); !errors.Is(err, ErrBadArg) {
		t.Errorf("whereis(1): err = %v, want badarg", err)
	}
}

func TestNifMakeRef(t *testing.T) {
	_, p := nifProcess(t, Options{})
	r1 := mustNif(t, p, "make_ref")
	p.X[10] = r1
	r2 := mustNif(t, p, "make_ref")

	h := p.Heap()
	if !h.IsRef(p.X[10]) || !h.IsRef(r2) {
		t.Fatal("make_ref did not return references")
	}
	if Equal(h, p.X[10], h, r2) {
		t.Error("two make_ref calls returned equal references")
	}
}

func TestNifSpawnUndefined(t *testing.T) {
	rt, p := nifProcess(t, Options{})
	v := mustNif(t, p, "spawn", rt.Atom("nowhere"), rt.Atom("main"), Nil)
	if v != Undefined {
		t.Errorf("spawn of a missing module = %s, want undefined", Format(nil, v, rt.Atoms()))
	}
}

func TestNifSend(t *testing.T) {
	_, p := nifProcess(t, Options{})
	msg, _ := p.MakeTuple(OK, FromSmallInt(1))
	v := mustNif(t, p, "send", p.Pid(), msg)
	if v != p.X[1] {
		t.Error("send should return the message")
	}
	if p.Mailbox().Len() != 1 {
		t.Errorf("mailbox holds %d messages, want 1", p.Mailbox().Len())
	}
}

func TestNifSystemTime(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	_, p := nifProcess(t, Options{Now: func() time.Time { return now }})

	tests := []struct {
		unit Term
		want int64
	}{
		{Minute, 1700000000 / 60},
		{Second, 1700000000},
		{Millisecond, now.UnixMilli()},
		{Microsecond, now.UnixMicro()},
		{Nanosecond, now.UnixNano()},
		{NativeUnit, now.UnixNano()},
	}
	for _, tt := range tests {
		v := mustNif(t, p, "system_time", tt.unit)
		if got := p.Heap().IntegerValue(v); got != tt.want {
			t.Errorf("system_time(%d) = %d, want %d", tt.unit.AtomIndex(), got, tt.want)
		}
	}

	// nanoseconds do not fit an immediate
	if v := mustNif(t, p, "system_time", Nanosecond); !v.IsBoxed() {
		t.Error("nanosecond time should be boxed")
	}
	if _, err := p.CallNif("erlang", "system_time", OK); !errors.Is(err, ErrBadArg) {
		t.Errorf("unknown unit: err = %v, want badarg", err)
	}
}

func TestNifUniversalTime(t *testing.T) {
	now := time.Date(2023, time.November, 14, 22, 13, 20, 0, time.UTC)
	rt, p := nifProcess(t, Options{Now: func() time.Time { return now }})

	v := mustNif(t, p, "universaltime")
	if got := Format(p.Heap(), v, rt.Atoms()); got != "{{2023,11,14},{22,13,20}}" {
		t.Errorf("universaltime = %s", got)
	}
}

func TestNifFlatSize(t *testing.T) {
	_, p := nifProcess(t, Options{})
	inner, _ := p.MakeList(FromSmallInt(2))
	tup, _ := p.MakeTuple(FromSmallInt(1), inner)

	v, err := p.CallNif("erts_debug", "flat_size", tup)
	if err != nil {
		t.Fatal(err)
	}
	if v.SmallInt() != 5 {
		t.Errorf("flat_size = %d, want 5", v.SmallInt())
	}
}

func TestCallNifUndefined(t *testing.T) {
	_, p := nifProcess(t, Options{})
	if _, err := p.CallNif("erlang", "no_such_nif", OK); !errors.Is(err, ErrUndefinedFunction) {
		t.Errorf("err = %v, want ErrUndefinedFunction", err)
	}
}

func TestNifOpenPortErrors(t *testing.T) {
	rt, p := nifProcess(t, Options{})

	bad, _ := p.MakeTuple(Spawn, FromSmallInt(42))
	if v := mustNif(t, p, "open_port", bad, Nil); v != Error {
		t.Errorf("open_port with a non-string name = %s, want error", Format(nil, v, rt.Atoms()))
	}

	name, _ := p.MakeString("nope")
	unknown, _ := p.MakeTuple(Spawn, name)
	if v := mustNif(t, p, "open_port", unknown, Nil); v != Error {
		t.Errorf("open_port of an unknown driver = %s, want error", Format(nil, v, rt.Atoms()))
	}

	if _, err := p.CallNif("erlang", "open_port", OK, Nil); !errors.Is(err, ErrBadArg) {
		t.Errorf("malformed name: err = %v, want badarg", err)
	}

	echo, _ := p.MakeString("echo")
	notSpawn, _ := p.MakeTuple(rt.Atom("foo"), echo)
	if _, err := p.CallNif("erlang", "open_port", notSpawn, Nil); !errors.Is(err, ErrBadArg) {
		t.Errorf("open_port({foo, \"echo\"}): err = %v, want badarg", err)
	}
	if n := rt.Registry().ProcessCount(); n != 1 {
		t.Errorf("ProcessCount = %d, want 1 (no port opened)", n)
	}
}
