package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader constructs a Handle. It is called at most once at a time per Registry.
type Loader func(ctx context.Context) (*Handle, error)

// Status is a point-in-time view of the registry.
type Status struct {
	State    State
	Device   Device
	Attempts int
	Err      error
}

// Registry lazily loads the classifier once per process and shares it between requests.
type Registry struct {
	load   Loader
	logger *slog.Logger
	flight singleflight.Group
	// loadMu serializes loads so a reload never races a lazy load it did not join.
	loadMu sync.Mutex

	mu       sync.RWMutex
	state    State
	handle   *Handle
	lastErr  error
	attempts int
}

func NewRegistry(load Loader, logger *slog.Logger) *Registry {
	return &Registry{load: load, logger: logger, state: StateUnloaded}
}

// EnsureReady returns the loaded handle, loading it first if needed. Concurrent
// callers share a single load attempt. Failures are not retried until the next call.
func (r *Registry) EnsureReady(ctx context.Context) (*Handle, error) {
	if h := r.current(); h != nil {
		return h, nil
	}
	return r.do(ctx, false)
}

// Reload builds a fresh handle and swaps it in. A failed reload keeps serving the old one.
// A reload requested while a lazy load is running waits for it and then loads again.
func (r *Registry) Reload(ctx context.Context) (*Handle, error) {
	return r.do(ctx, true)
}

func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{State: r.state, Attempts: r.attempts, Err: r.lastErr}
	if r.handle != nil {
		st.Device = r.handle.Device
	}
	return st
}

// Close releases the current handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	h := r.handle
	r.handle = nil
	r.state = StateUnloaded
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}

func (r *Registry) current() *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handle
}

func (r *Registry) do(ctx context.Context, force bool) (*Handle, error) {
	// The load outlives any single caller: waiters share its outcome.
	ctx = context.WithoutCancel(ctx)

	key := "load"
	if force {
		key = "reload"
	}
	v, err, _ := r.flight.Do(key, func() (any, error) {
		r.loadMu.Lock()
		defer r.loadMu.Unlock()

		if !force {
			if h := r.current(); h != nil {
				return h, nil
			}
		}

		r.mu.Lock()
		if r.handle == nil {
			r.state = StateLoading
		}
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()

		start := time.Now()
		h, err := r.safeLoad(ctx)

		r.mu.Lock()
		if err != nil {
			r.lastErr = err
			if r.handle == nil {
				r.state = StateFailed
			}
			r.mu.Unlock()
			r.logger.Error("model.load_failed", "attempt", attempt, "reload", force, "error", err)
			return nil, err
		}
		old := r.handle
		r.handle, r.state, r.lastErr = h, StateLoaded, nil
		r.mu.Unlock()

		r.logger.Info("model.loaded",
			"attempt", attempt,
			"reload", force,
			"device", h.Device,
			"took", time.Since(start),
		)

		if old != nil {
			if err := old.Close(); err != nil {
				r.logger.Warn("model.close_previous_failed", "error", err)
			}
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) safeLoad(ctx context.Context) (h *Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			h, err = nil, fmt.Errorf("model loader panicked: %v", p)
		}
	}()
	h, err = r.load(ctx)
	if err == nil && h == nil {
		err = fmt.Errorf("model loader returned no handle")
	}
	return h, err
}
