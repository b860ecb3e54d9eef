package transport

import "sync"

// dispatcher runs queued callbacks on one goroutine in post order. It lets
// the session emit events while holding its lock without re-entrancy
// hazards, and keeps state, error and health events totally ordered.
type dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	running  bool
	finished bool
	done     chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{done: make(chan struct{})}
}

// post queues fn. Callbacks posted after finish are discarded.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.run()
	}
}

// finish marks the end of the event stream. Callbacks already queued still
// run; Done is closed once they have.
func (d *dispatcher) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.finished = true
	if !d.running {
		close(d.done)
	}
}

// Done is closed after the final event has been delivered.
func (d *dispatcher) Done() <-chan struct{} { return d.done }

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			if d.finished {
				close(d.done)
			}
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
