// Package inspect captures a read-only view of a runtime's process table.
package inspect

import (
	"context"
	"time"

	"github.com/chazu/tinybeam/vm"
)

// ProcessInfo describes one live process.
type ProcessInfo struct {
	Pid         string `cbor:"pid"`
	Name        string `cbor:"name,omitempty"`
	State       string `cbor:"state"`
	Mode        string `cbor:"mode"`
	HeapWords   int    `cbor:"heap_words"`
	HeapUsed    int    `cbor:"heap_used"`
	Collections int    `cbor:"collections"`
	Mailbox     int    `cbor:"mailbox"`
	Reductions  uint64 `cbor:"reductions"`
}

// Snapshot is the process table of a runtime at one point in time.
type Snapshot struct {
	Runtime   string        `cbor:"runtime"`
	TakenAt   int64         `cbor:"taken_at"` // unix nanoseconds
	Quanta    uint64        `cbor:"quanta"`
	Atoms     int           `cbor:"atoms"`
	Processes []ProcessInfo `cbor:"processes"`
}

// Take builds a snapshot. It reads process state directly and must run on
// the scheduler's executor; use Capture from other goroutines.
func Take(rt *vm.Runtime) *Snapshot {
	reg := rt.Registry()
	s := &Snapshot{
		Runtime: rt.ID().String(),
		TakenAt: rt.Options().Now().UnixNano(),
		Quanta:  rt.Scheduler().Quanta(),
		Atoms:   rt.Atoms().Len(),
	}
	for _, pid := range reg.Pids() {
		p, ok := reg.GetProcess(pid)
		if !ok {
			continue
		}
		info := ProcessInfo{
			Pid:         vm.FormatPid(pid),
			State:       p.State().String(),
			Mode:        p.Mode(),
			HeapWords:   p.Heap().Size(),
			HeapUsed:    p.Heap().Used(),
			Collections: p.Heap().Collections(),
			Mailbox:     p.Mailbox().Len(),
			Reductions:  p.Reductions(),
		}
		if name, ok := reg.RegisteredName(pid); ok {
			info.Name = rt.Atoms().Name(name)
		}
		s.Processes = append(s.Processes, info)
	}
	return s
}

// Capture takes a snapshot on the executor of a running scheduler.
func Capture(ctx context.Context, rt *vm.Runtime) (*Snapshot, error) {
	var s *Snapshot
	err := rt.Scheduler().Do(ctx, func() error {
		s = Take(rt)
		return nil
	})
	return s, err
}

// Time returns when the snapshot was taken.
func (s *Snapshot) Time() time.Time {
	return time.Unix(0, s.TakenAt)
}

// Process returns the entry for a formatted pid.
func (s *Snapshot) Process(pid string) (ProcessInfo, bool) {
	for _, p := range s.Processes {
		if p.Pid == pid {
			return p, true
		}
	}
	return ProcessInfo{}, false
}
