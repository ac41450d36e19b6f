package dispatch

import "sync"

// RetryRecord remembers which alarm keys already failed once. It lives only
// for the process lifetime.
type RetryRecord struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewRetryRecord creates an empty record.
func NewRetryRecord() *RetryRecord {
	return &RetryRecord{keys: make(map[string]struct{})}
}

// Strike records a failure for key. It returns true on the second
// consecutive failure, at which point the key is cleared.
func (r *RetryRecord) Strike(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		delete(r.keys, key)
		return true
	}
	r.keys[key] = struct{}{}
	return false
}

// Clear forgets key.
func (r *RetryRecord) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
}

// Has reports whether key has one strike.
func (r *RetryRecord) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// Len returns the number of keys with one strike.
func (r *RetryRecord) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
