package tracker

import (
	"context"
	"sync"
)

// TokenStore hands out the single submission token of a project stage.
// Acquire returns false when the stage was already submitted.
type TokenStore interface {
	Acquire(ctx context.Context, projectID, stage string) (bool, error)
	Release(ctx context.Context, projectID, stage string) error
}

// MemoryTokens is a process-local TokenStore.
type MemoryTokens struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{m: make(map[string]struct{})}
}

func (t *MemoryTokens) Acquire(_ context.Context, projectID, stage string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]struct{})
	}
	k := Key(projectID, stage)
	if _, ok := t.m[k]; ok {
		return false, nil
	}
	t.m[k] = struct{}{}
	return true, nil
}

func (t *MemoryTokens) Release(_ context.Context, projectID, stage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, Key(projectID, stage))
	return nil
}
