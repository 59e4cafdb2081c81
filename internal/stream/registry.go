package stream

import (
	"context"
	"sync"
)

type entry struct {
	cancel context.CancelFunc
}

// Registry tracks the in-flight reply of every session. Beginning a new
// reply cancels the one already streaming for that session.
type Registry struct {
	mu     sync.Mutex
	active map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{active: map[string]*entry{}}
}

// Begin derives a cancellable context for a new reply of sessionID. The
// returned release must be called when the reply ends; it only removes
// this reply's entry, never a newer one.
func (r *Registry) Begin(ctx context.Context, sessionID string) (context.Context, func()) {
	streamCtx, cancel := context.WithCancel(ctx)
	current := &entry{cancel: cancel}

	r.mu.Lock()
	previous := r.active[sessionID]
	r.active[sessionID] = current
	r.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.active[sessionID] == current {
				delete(r.active, sessionID)
			}
			r.mu.Unlock()
			cancel()
		})
	}
	return streamCtx, release
}

// Cancel stops the in-flight reply of sessionID, if any.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	current := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()
	if current == nil {
		return false
	}
	current.cancel()
	return true
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
