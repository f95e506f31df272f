package store

import "sync"

// Fanout delivers published values to any number of subscriber channels,
// preserving publish order per subscriber. Publishing never blocks: each
// subscriber owns an unbounded pending queue drained by its own goroutine,
// so a slow consumer delays only itself and no value is dropped.
type Fanout struct {
	mu     sync.Mutex
	subs   []*fanoutSub
	closed bool
}

type fanoutSub struct {
	mu      sync.Mutex
	pending [][]byte
	closing bool

	wake chan struct{}
	stop chan struct{}
	out  chan []byte
}

// Publish enqueues v for every current subscriber.
func (f *Fanout) Publish(v []byte) {
	f.mu.Lock()
	subs := make([]*fanoutSub, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, s := range subs {
		s.push(v)
	}
}

// Add attaches a new subscriber and returns its receive channel.
func (f *Fanout) Add() <-chan []byte {
	s := &fanoutSub{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan []byte),
	}
	go s.run()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.close()
		return s.out
	}
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.out
}

// Remove detaches a subscriber immediately, discarding anything still
// queued for it. Its channel is closed.
func (f *Fanout) Remove(ch <-chan []byte) {
	f.mu.Lock()
	var target *fanoutSub
	for i, s := range f.subs {
		if s.out == ch {
			target = s
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	if target != nil {
		close(target.stop)
	}
}

// Close detaches every subscriber after its queued values are delivered,
// then closes their channels.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *fanoutSub) push(v []byte) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.signal()
}

func (s *fanoutSub) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *fanoutSub) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the pending queue into out until the subscriber is removed or
// closed with an empty queue.
func (s *fanoutSub) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closing := s.closing
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.stop:
				return
			}
		}
		if closing {
			s.mu.Lock()
			done := len(s.pending) == 0
			s.mu.Unlock()
			if done {
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}
