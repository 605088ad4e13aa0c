package bridge

import "sync"

// Registry holds the currently attached call. Readers see either the old or
// the new call, never a partial update.
type Registry struct {
	mu   sync.RWMutex
	call Call
}

// Attach installs c and returns the call it replaced, if any.
func (r *Registry) Attach(c Call) Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.call
	r.call = c
	return prev
}

// Detach clears the association and returns the call that was attached.
func (r *Registry) Detach() Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.call
	r.call = nil
	return prev
}

// Current returns the attached call or nil. Use the result outside the lock.
func (r *Registry) Current() Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.call
}
