// Package reclaim releases per-request native buffers and hands freed heap back
// to the operating system once a request finishes.
package reclaim

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Reclaimer hands out one Scope per request.
type Reclaimer struct {
	logger *slog.Logger
	freeOS func()
}

// New returns a Reclaimer. A nil collect defaults to debug.FreeOSMemory.
func New(logger *slog.Logger, collect func()) *Reclaimer {
	if collect == nil {
		collect = debug.FreeOSMemory
	}
	return &Reclaimer{logger: logger, freeOS: collect}
}

// Begin opens a scope. The caller must defer Release.
func (r *Reclaimer) Begin() *Scope {
	return &Scope{r: r}
}

// Scope collects releasers for buffers allocated while serving one request.
type Scope struct {
	r         *Reclaimer
	mu        sync.Mutex
	releasers []func() error
	released  bool
}

// Track registers fn to run on Release. Tracking on a released scope runs fn immediately.
func (s *Scope) Track(fn func() error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		s.run(fn)
		return
	}
	s.releasers = append(s.releasers, fn)
	s.mu.Unlock()
}

// Release runs tracked releasers in reverse order, then forces a reclamation pass.
// Calling it more than once is a no-op.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fns := s.releasers
	s.releasers = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		s.run(fns[i])
	}

	s.r.freeOS()
}

func (s *Scope) run(fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			s.r.logger.Error("reclaim.release_panicked", "panic", p)
		}
	}()
	if err := fn(); err != nil {
		s.r.logger.Warn("reclaim.release_failed", "error", err)
	}
}
