package vm

import (
	"io"

	"github.com/tliron/commonlog"
)

var (
	echoLog    = commonlog.GetLogger("tinybeam.port.echo")
	consoleLog = commonlog.GetLogger("tinybeam.port.console")
)

func (rt *Runtime) registerPorts() {
	rt.RegisterPortDriver("echo", openEcho)
	rt.RegisterPortDriver("console", openConsole)
}

func openEcho(*Process, *Heap, Term) (NativeHandler, error) {
	return echoMailbox, nil
}

// echoMailbox handles {Pid, Value} by sending Value back to Pid. Anything
// else is dropped.
func echoMailbox(p *Process) error {
	msg, ok := p.Dequeue()
	if !ok {
		return nil
	}
	h := p.heap
	pid, ok := RequestCaller(h, msg, 2)
	if !ok {
		echoLog.Debugf("dropping malformed echo request %s", Format(h, msg, p.rt.atoms))
		return nil
	}
	return p.rt.Send(h, pid, h.TupleElement(msg, 1))
}

func openConsole(p *Process, _ *Heap, _ Term) (NativeHandler, error) {
	out := p.rt.opts.Console
	return func(p *Process) error {
		return consoleMailbox(p, out)
	}, nil
}

// consoleMailbox handles {Pid, String}: it writes String and replies ok.
// Malformed envelopes and non-string payloads are dropped without a reply.
func consoleMailbox(p *Process, out io.Writer) error {
	msg, ok := p.Dequeue()
	if !ok {
		return nil
	}
	h := p.heap
	pid, ok := RequestCaller(h, msg, 2)
	if !ok {
		consoleLog.Debugf("dropping malformed console request %s", Format(h, msg, p.rt.atoms))
		return nil
	}
	s, ok := TermToString(h, h.TupleElement(msg, 1))
	if !ok {
		consoleLog.Debugf("dropping non-string console request from %s", FormatPid(pid))
		return nil
	}
	if _, err := io.WriteString(out, s); err != nil {
		consoleLog.Errorf("console write: %v", err)
		return p.rt.Send(nil, pid, Error)
	}
	return p.rt.Send(nil, pid, OK)
}
