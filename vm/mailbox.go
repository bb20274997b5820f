package vm

import "ergo.services/ergo/lib"

// Message is one queued term. Its term lives in the heap of the process that
// owns the mailbox and is a collection root until dequeued.
type Message struct {
	Term Term
}

// Mailbox is the FIFO message queue of a process. Any sender may enqueue
// through Runtime.Send; only the owning process dequeues.
type Mailbox struct {
	queue lib.QueueMPSC
}

func newMailbox() *Mailbox {
	return &Mailbox{queue: lib.NewQueueMPSC()}
}

func (mb *Mailbox) enqueue(t Term) {
	mb.queue.Push(&Message{Term: t})
}

// Dequeue removes and returns the oldest message, or false when the mailbox
// is empty. The returned term is no longer a root: keep it live explicitly
// (a register, or an argument to EnsureFree) across further allocation.
func (mb *Mailbox) Dequeue() (Term, bool) {
	v, ok := mb.queue.Pop()
	if !ok {
		return Nil, false
	}
	return v.(*Message).Term, true
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return int(mb.queue.Len())
}

// Peek calls fn for each queued message in arrival order until fn returns
// false. It does not remove anything; selective receive is built on top of
// it by the consumer.
func (mb *Mailbox) Peek(fn func(i int, t Term) bool) {
	i := 0
	for item := mb.queue.Item(); item != nil; item = item.Next() {
		m, ok := item.Value().(*Message)
		if !ok {
			continue
		}
		if !fn(i, m.Term) {
			return
		}
		i++
	}
}

func (mb *Mailbox) eachRoot(fn func(*Term)) {
	for item := mb.queue.Item(); item != nil; item = item.Next() {
		if m, ok := item.Value().(*Message); ok {
			fn(&m.Term)
		}
	}
}

func (mb *Mailbox) drain() int {
	n := 0
	for {
		if _, ok := mb.queue.Pop(); !ok {
			return n
		}
		n++
	}
}
