package escalation

import (
	"context"
	"sync"
)

type MemTracker struct {
	mu   sync.Mutex
	Data map[string]*State
}

func NewMemTracker() *MemTracker {
	return &MemTracker{
		Data: make(map[string]*State),
	}
}

func (t *MemTracker) RecordViolation(ctx context.Context, userHash string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userHash)
	st.Violations++
	return st.Violations, nil
}

func (t *MemTracker) MarkWarned(ctx context.Context, userHash string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(userHash)
	if st.Warned {
		return false, nil
	}
	st.Warned = true
	return true, nil
}

func (t *MemTracker) HasBeenWarned(ctx context.Context, userHash string) (bool, error) {
	st, err := t.Get(ctx, userHash)
	return st.Warned, err
}

func (t *MemTracker) Get(ctx context.Context, userHash string) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.Data[userHash]
	if !ok {
		return State{}, nil
	}
	return *st, nil
}

// caller must hold mu
func (t *MemTracker) state(userHash string) *State {
	st, ok := t.Data[userHash]
	if !ok {
		st = &State{}
		t.Data[userHash] = st
	}
	return st
}
