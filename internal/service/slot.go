package service

import (
	"sync"
	"sync/atomic"
)

// slot guards one task kind: at most one run, plus the handle of the
// tracked worker. running is flipped with compare-and-swap, the handle is
// only touched under mx.
type slot struct {
	running atomic.Bool

	mx   sync.Mutex
	proc Process
	pid  int
}

func (s *slot) acquire() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *slot) isRunning() bool {
	return s.running.Load()
}

func (s *slot) track(p Process) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.proc = p
	s.pid = p.Pid()
}

// take hands the tracked worker over to the caller; cancel can't reach it
// afterwards.
func (s *slot) take() Process {
	s.mx.Lock()
	defer s.mx.Unlock()
	p := s.proc
	s.proc = nil
	return p
}

func (s *slot) signal() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.proc == nil {
		return ErrNoWorker
	}
	return s.proc.Terminate()
}

func (s *slot) currentPid() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.pid
}

func (s *slot) release() {
	s.mx.Lock()
	s.proc = nil
	s.pid = 0
	s.mx.Unlock()
	s.running.Store(false)
}
