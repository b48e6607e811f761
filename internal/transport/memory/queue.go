package memory

import (
	"sync"
	"time"
)

// queue assigns messages to its attached consumers in turn, each into the
// consumer's own inbox. Messages arriving while no consumer is attached wait
// in the backlog and move to the first consumer that attaches.
type queue struct {
	mu        sync.Mutex
	backlog   []entry
	consumers []*inbox
	next      int
}

// inbox holds the messages assigned to one consumer. Its fields are guarded
// by the owning queue's mutex.
type inbox struct {
	msgs     []entry
	wake     chan struct{}
	detached bool
}

func newQueue() *queue {
	return &queue{}
}

// attach registers a consumer at the end of the rotation.
func (q *queue) attach() *inbox {
	in := &inbox{wake: make(chan struct{})}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers = append(q.consumers, in)
	if len(q.backlog) > 0 {
		in.msgs, q.backlog = q.backlog, nil
		in.signal()
	}
	return in
}

// detach removes in from the rotation. pending and whatever is still in the
// inbox go back to the remaining consumers, pending first.
func (q *queue) detach(in *inbox, pending []entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if in.detached {
		return
	}
	in.detached = true
	for i, c := range q.consumers {
		if c != in {
			continue
		}
		q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
		if i < q.next {
			q.next--
		}
		break
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	es := append(pending, in.msgs...)
	in.msgs = nil
	q.requeueLocked(es)
}

func (q *queue) push(e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, e)
		return
	}
	in := q.turnLocked()
	in.msgs = append(in.msgs, e)
	in.signal()
}

// requeue hands entries back for redelivery. They are assigned in turn like
// new messages but go ahead of what each inbox already holds, keeping their
// relative order.
func (q *queue) requeue(es []entry) {
	if len(es) == 0 {
		return
	}
	q.mu.Lock()
	q.requeueLocked(es)
	q.mu.Unlock()
}

func (q *queue) requeueLocked(es []entry) {
	if len(es) == 0 {
		return
	}
	if len(q.consumers) == 0 {
		q.backlog = append(append(make([]entry, 0, len(es)+len(q.backlog)), es...), q.backlog...)
		return
	}
	assigned := make(map[*inbox][]entry)
	var order []*inbox
	for _, e := range es {
		in := q.turnLocked()
		if _, ok := assigned[in]; !ok {
			order = append(order, in)
		}
		assigned[in] = append(assigned[in], e)
	}
	for _, in := range order {
		in.msgs = append(assigned[in], in.msgs...)
		in.signal()
	}
}

// unpop puts e back at the head of in, or back on the queue when in has been
// detached in the meantime.
func (q *queue) unpop(in *inbox, e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if in.detached {
		q.requeueLocked([]entry{e})
		return
	}
	in.msgs = append([]entry{e}, in.msgs...)
	in.signal()
}

// pop removes the first unexpired entry of in. Expired entries are dropped
// and counted in the returned number. When the inbox is empty it returns the
// channel to wait on.
func (q *queue) pop(in *inbox, now time.Time) (e entry, ok bool, dropped int, wait <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(in.msgs) > 0 {
		e = in.msgs[0]
		in.msgs[0] = entry{}
		in.msgs = in.msgs[1:]
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			dropped++
			continue
		}
		return e, true, dropped, nil
	}
	in.msgs = nil
	return entry{}, false, dropped, in.wake
}

// depth counts the messages not yet handed to a session.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.backlog)
	for _, in := range q.consumers {
		n += len(in.msgs)
	}
	return n
}

func (q *queue) turnLocked() *inbox {
	in := q.consumers[q.next]
	q.next = (q.next + 1) % len(q.consumers)
	return in
}

func (in *inbox) signal() {
	close(in.wake)
	in.wake = make(chan struct{})
}
