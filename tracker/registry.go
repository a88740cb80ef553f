package tracker

import (
	"context"
	"sync"
)

// Key identifies one stage of one project in the registry.
func Key(projectID, stage string) string {
	return projectID + "/" + stage
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the running pollers, at most one per key, so they can be
// stopped from outside (HTTP handlers, shutdown).
type Registry struct {
	mu sync.Mutex
	m  map[string]*entry
	wg sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*entry)}
}

func (r *Registry) register(parent context.Context, key string) (context.Context, *entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]*entry)
	}
	if _, ok := r.m[key]; ok {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	e := &entry{cancel: cancel, done: make(chan struct{})}
	r.m[key] = e
	r.wg.Add(1)
	return ctx, e, true
}

func (r *Registry) unregister(key string, e *entry) {
	e.cancel()
	r.mu.Lock()
	if r.m[key] == e {
		delete(r.m, key)
	}
	r.mu.Unlock()
}

// Do runs fn under key in the calling goroutine. started is false, and fn
// is not called, when key is already running.
func (r *Registry) Do(parent context.Context, key string, fn func(ctx context.Context) error) (started bool, err error) {
	ctx, e, ok := r.register(parent, key)
	if !ok {
		return false, nil
	}
	defer r.wg.Done()
	defer close(e.done)
	defer r.unregister(key, e)
	return true, fn(ctx)
}

// Start runs fn in its own goroutine under key. It returns false and does
// nothing when key is already running. onExit, if set, gets fn's result.
func (r *Registry) Start(parent context.Context, key string, fn func(ctx context.Context) error, onExit func(error)) bool {
	ctx, e, ok := r.register(parent, key)
	if !ok {
		return false
	}
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		err := fn(ctx)
		r.unregister(key, e)
		if onExit != nil {
			onExit(err)
		}
	}()
	return true
}

// Stop cancels the poller under key and reports whether one was running.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	e, ok := r.m[key]
	if ok {
		delete(r.m, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	return true
}

func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok
}

// StopAll cancels every poller and waits for them to return.
func (r *Registry) StopAll() {
	r.mu.Lock()
	for k, e := range r.m {
		e.cancel()
		delete(r.m, k)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every started poller has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
