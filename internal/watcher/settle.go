package watcher

import (
	"sync"
	"time"
)

// settler reports a path once no further writes have touched it for a fixed
// quiet period. Each touch restarts the path's timer.
type settler struct {
	delay time.Duration
	out   chan string
	done  chan struct{}

	mu      sync.Mutex
	gen     uint64
	pending map[string]pendingPath
	closed  bool
}

type pendingPath struct {
	timer *time.Timer
	gen   uint64
}

func newSettler(delay time.Duration, buffer int) *settler {
	return &settler{
		delay:   delay,
		out:     make(chan string, buffer),
		done:    make(chan struct{}),
		pending: make(map[string]pendingPath),
	}
}

// touch (re)starts the quiet period for path.
func (s *settler) touch(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.pending[path]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending[path] = pendingPath{
		timer: time.AfterFunc(s.delay, func() { s.fire(path, gen) }),
		gen:   gen,
	}
}

// forget drops a pending path, e.g. after it was removed.
func (s *settler) forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[path]; ok {
		p.timer.Stop()
		delete(s.pending, path)
	}
}

// fire reports path unless generation gen was superseded by a later touch.
func (s *settler) fire(path string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[path]
	if s.closed || !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, path)
	s.mu.Unlock()

	// Each timer runs in its own goroutine, so blocking here only delays
	// this path. Paths still queued at shutdown are dropped.
	select {
	case s.out <- path:
	case <-s.done:
	}
}

// settled returns the channel of paths whose quiet period elapsed.
func (s *settler) settled() <-chan string { return s.out }

// waiting returns the number of paths waiting to settle.
func (s *settler) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// stop cancels every pending timer.
func (s *settler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for path, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, path)
	}
}
