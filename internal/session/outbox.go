package session

import "sync"

// outbox runs queued tasks one at a time, in the order they were enqueued,
// on a dedicated goroutine. Enqueue never blocks on the tasks themselves.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// enqueue schedules fn. It reports false once the outbox is closed.
func (o *outbox) enqueue(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, fn)
	o.cond.Signal()
	return true
}

// closeAndWait stops accepting tasks and returns after every queued task ran.
func (o *outbox) closeAndWait() {
	o.mu.Lock()
	o.closed = true
	o.cond.Signal()
	o.mu.Unlock()
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		fn()
	}
}
