package vm

import (
	"context"
	"errors"

	"ergo.services/ergo/lib"
	"github.com/tliron/commonlog"
)

var schedLog = commonlog.GetLogger("tinybeam.scheduler")

// Outcome is how an execution quantum ended.
type Outcome int

const (
	// Yield: the quantum was used up; the process stays runnable.
	Yield Outcome = iota
	// Wait: the process found its mailbox empty and suspends until a send.
	Wait
	// Exit: the process reached its exit continuation.
	Exit
)

// Interpreter executes bytecode for interpreted processes. Execute runs at
// most reductions steps of p starting at its cursor and must return
// voluntarily; the scheduler never preempts it. A non-nil error terminates
// p abnormally.
type Interpreter interface {
	Execute(p *Process, reductions int) (Outcome, error)
}

// Scheduler is a cooperative round-robin run queue. A single executor runs
// one process quantum at a time; processes suspend only at quantum
// boundaries and when waiting on an empty mailbox.
//
// Host goroutines must not touch processes directly. They hand work to the
// executor with Submit, which runs it between quanta.
type Scheduler struct {
	rt       *Runtime
	runQueue []*Process
	current  *Process
	quanta   uint64

	submissions lib.QueueMPSC
	wake        chan struct{}
}

func newScheduler(rt *Runtime) *Scheduler {
	return &Scheduler{
		rt:          rt,
		submissions: lib.NewQueueMPSC(),
		wake:        make(chan struct{}, 1),
	}
}

// Current returns the process whose quantum is executing, or nil.
func (s *Scheduler) Current() *Process { return s.current }

// Quanta returns how many quanta have been executed.
func (s *Scheduler) Quanta() uint64 { return s.quanta }

// RunQueueLen returns the number of runnable processes waiting for a quantum.
func (s *Scheduler) RunQueueLen() int { return len(s.runQueue) }

func (s *Scheduler) makeRunnable(p *Process) {
	if p.state == Terminated {
		return
	}
	p.state = Runnable
	s.runQueue = append(s.runQueue, p)
}

func (s *Scheduler) makeWaiting(p *Process) {
	if p.state == Terminated {
		return
	}
	p.state = BlockedOnMailbox
}

// wakeup moves a process blocked on its mailbox back to the run queue.
func (s *Scheduler) wakeup(p *Process) {
	if p.state == BlockedOnMailbox {
		s.makeRunnable(p)
	}
}

func (s *Scheduler) next() *Process {
	for len(s.runQueue) > 0 {
		p := s.runQueue[0]
		s.runQueue[0] = nil
		s.runQueue = s.runQueue[1:]
		if p.state == Runnable {
			return p
		}
	}
	return nil
}

// Step runs one quantum of the next runnable process, after serving pending
// submissions. It returns false when no process was runnable.
func (s *Scheduler) Step() bool {
	s.drainSubmissions()
	p := s.next()
	if p == nil {
		return false
	}

	s.current = p
	p.reductions++
	s.quanta++
	outcome, err := s.runQuantum(p)
	s.current = nil

	s.settle(p, outcome, err)
	return true
}

// RunUntilIdle steps until no process is runnable and no submission is
// pending. It returns the number of quanta executed.
func (s *Scheduler) RunUntilIdle() int {
	n := 0
	for s.Step() {
		n++
	}
	return n
}

// Run drives the scheduler until ctx is done, sleeping while idle until a
// submission arrives.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Step() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Submit queues fn to run on the executor between quanta. It is safe to call
// from any goroutine.
func (s *Scheduler) Submit(fn func()) {
	s.submissions.Push(fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Do submits fn and blocks until it has run on the executor or ctx is done.
func (s *Scheduler) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	s.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				if f, ok := r.(*RuntimeFault); ok {
					panic(f)
				}
				done <- recoveredError(r)
			}
		}()
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainSubmissions() {
	for {
		v, ok := s.submissions.Pop()
		if !ok {
			return
		}
		s.runSubmission(v.(func()))
	}
}

// runSubmission runs fn on the executor. A contract violation in host code
// is logged and abandons fn; runtime faults propagate.
func (s *Scheduler) runSubmission(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*RuntimeFault); ok {
				panic(f)
			}
			schedLog.Errorf("submitted function failed: %v", recoveredError(r))
		}
	}()
	fn()
}

// runQuantum executes one quantum, converting contract-violation panics into
// an abnormal exit of p. Runtime faults propagate.
func (s *Scheduler) runQuantum(p *Process) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*RuntimeFault); ok {
				panic(f)
			}
			outcome, err = Exit, recoveredError(r)
		}
	}()

	switch exec := p.exec.(type) {
	case *Interpreted:
		interp := s.rt.opts.Interpreter
		if interp == nil {
			return Exit, ErrNoInterpreter
		}
		return interp.Execute(p, s.rt.opts.Reductions)
	case *Native:
		if p.mailbox.Len() == 0 {
			return Wait, nil
		}
		if err := exec.Handler(p); err != nil {
			return Exit, err
		}
		return Yield, nil
	}
	fault("process %s has no execution state", FormatPid(p.pid))
	return Exit, nil
}

func (s *Scheduler) settle(p *Process, outcome Outcome, err error) {
	switch {
	case err != nil:
		s.terminate(p, err)
	case p.exitRequested:
		s.terminate(p, p.exitReason)
	case outcome == Exit:
		s.terminate(p, nil)
	case outcome == Wait:
		if p.mailbox.Len() > 0 {
			s.makeRunnable(p)
		} else {
			s.makeWaiting(p)
		}
	default:
		if _, native := p.exec.(*Native); native && p.mailbox.Len() == 0 {
			s.makeWaiting(p)
		} else {
			s.makeRunnable(p)
		}
	}
}

// fail terminates p for a condition detected outside its own quantum (a
// send that could not fit in its heap).
func (s *Scheduler) fail(p *Process, reason error) {
	if p == s.current {
		p.Exit(reason)
		return
	}
	for i, q := range s.runQueue {
		if q == p {
			s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
			break
		}
	}
	s.terminate(p, reason)
}

// terminate removes p from the registry and releases its heap and mailbox.
func (s *Scheduler) terminate(p *Process, reason error) {
	if p.state == Terminated {
		return
	}
	p.state = Terminated
	p.exitReason = reason
	s.rt.registry.remove(p.pid)

	dropped := p.mailbox.drain()
	p.heap.release()
	p.X = [MaxRegisters]Term{}

	var contract *ContractError
	switch {
	case reason == nil:
		schedLog.Debugf("process %s exited normally", FormatPid(p.pid))
	case errors.As(reason, &contract):
		schedLog.Warningf("process %s terminated: contract violation: %v", FormatPid(p.pid), reason)
	default:
		schedLog.Warningf("process %s terminated: %v (%d messages dropped)", FormatPid(p.pid), reason, dropped)
	}
}
