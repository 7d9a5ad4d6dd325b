package backend

import "sync"

// Dispatcher delivers snapshots to one subscriber on its own goroutine.
// Offers never block; if the subscriber is busy, only the most recent
// snapshot is kept for the next delivery.
//
// Close drops every undelivered snapshot and failure. A callback that was
// already taken off the queue when Close runs may still begin shortly
// after; subscribers that must ignore it guard their callbacks themselves.
type Dispatcher struct {
	mu         sync.Mutex
	pending    Snapshot
	hasPending bool
	failure    error
	closed     bool
	wake       chan struct{}
	onValue    func(Snapshot)
	onError    func(error)
}

// NewDispatcher starts a dispatcher for onValue. onError, if not nil,
// receives the error passed to Fail.
func NewDispatcher(onValue func(Snapshot), onError func(error)) *Dispatcher {
	d := &Dispatcher{
		wake:    make(chan struct{}, 1),
		onValue: onValue,
		onError: onError,
	}
	go d.run()
	return d
}

// Offer queues s for delivery, replacing any undelivered snapshot.
func (d *Dispatcher) Offer(s Snapshot) {
	d.mu.Lock()
	if d.closed || d.failure != nil {
		d.mu.Unlock()
		return
	}
	d.pending = s
	d.hasPending = true
	d.mu.Unlock()
	d.signal()
}

// Fail ends the subscription with err. Any undelivered snapshot is
// discarded, err is delivered once, and later offers are ignored.
func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	if d.closed || d.failure != nil {
		d.mu.Unlock()
		return
	}
	d.failure = err
	d.pending = nil
	d.hasPending = false
	d.mu.Unlock()
	d.signal()
}

// Close stops future deliveries. A callback already running is not waited for.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = nil
	d.hasPending = false
	d.failure = nil
	d.mu.Unlock()
	d.signal()
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for range d.wake {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		if err := d.failure; err != nil {
			d.closed = true
			d.mu.Unlock()
			if d.onError != nil {
				d.onError(err)
			}
			return
		}
		s, ok := d.pending, d.hasPending
		d.pending, d.hasPending = nil, false
		d.mu.Unlock()

		if ok {
			d.onValue(s)
		}
	}
}
