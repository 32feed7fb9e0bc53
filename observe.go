package rewind

import "sync"

// Snapshot is one published observation: the current state and the last
// failure (nil after a success).
type Snapshot[S any] struct {
	State S
	Err   error
}

// Subscription delivers snapshots whenever the state or the error changes.
//
// The channel has a buffer of one and coalesces: a slow consumer sees the
// latest snapshot, not every intermediate one. Cancel when done; the channel
// is closed on Cancel and on Store.Close.
type Subscription[S any] struct {
	// C receives published snapshots.
	C <-chan Snapshot[S]

	ch     chan Snapshot[S]
	cancel func(*Subscription[S])
	once   sync.Once
}

// Cancel detaches the subscription and closes C.
func (sub *Subscription[S]) Cancel() {
	sub.once.Do(func() { sub.cancel(sub) })
}

// published holds the observable pair (current state, last failure) behind a
// read-write lock, so reads never queue behind a long-running transaction.
type published[S any] struct {
	mu    sync.RWMutex
	state S
	err   error
}

func newPublished[S any]() *published[S] {
	return &published[S]{}
}

func (p *published[S]) get() (S, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.err
}

// set records a successful operation: new state, error cleared.
func (p *published[S]) set(state S, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.err = err
}

// fail records a failure, leaving the state untouched, and returns the state
// for the accompanying snapshot.
func (p *published[S]) fail(err error) S {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p.state
}

// observers fans published snapshots out to subscriptions.
type observers[S any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[S]]struct{}
	closed bool
}

func newObservers[S any]() *observers[S] {
	return &observers[S]{subs: make(map[*Subscription[S]]struct{})}
}

func (o *observers[S]) subscribe() *Subscription[S] {
	ch := make(chan Snapshot[S], 1)
	sub := &Subscription[S]{C: ch, ch: ch, cancel: o.remove}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		close(ch)
		return sub
	}
	o.subs[sub] = struct{}{}
	return sub
}

func (o *observers[S]) remove(sub *Subscription[S]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[sub]; ok {
		delete(o.subs, sub)
		close(sub.ch)
	}
}

// publish delivers snap to every subscriber, latest-wins.
func (o *observers[S]) publish(snap Snapshot[S]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sub := range o.subs {
		select {
		case sub.ch <- snap:
		default:
			// Buffer full: drop the stale snapshot, then deliver.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}

// close detaches and closes every subscription.
func (o *observers[S]) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for sub := range o.subs {
		delete(o.subs, sub)
		close(sub.ch)
	}
}
