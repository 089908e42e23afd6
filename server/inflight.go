package server

import "sync"

type call struct {
	done chan struct{}
	val  any
	err  error
}

// RequestManager collapses concurrent cache misses: while one request for a
// key is fetching and decrypting, later requests for the same key wait and
// share its result instead of hitting the origin again.
type RequestManager struct {
	mu       sync.Mutex
	inFlight map[string]*call
}

func NewRequestManager() *RequestManager {
	return &RequestManager{
		inFlight: make(map[string]*call),
	}
}

// Do returns the value lookup finds for key. On a miss fetch runs once for
// all concurrent callers of key; a failed fetch is shared as well. hit is
// false only for the caller whose fetch produced the value.
func (rm *RequestManager) Do(key string, lookup func() (any, bool), fetch func() (any, error)) (v any, hit bool, err error) {
	if v, ok := lookup(); ok {
		return v, true, nil
	}

	rm.mu.Lock()
	if c, ok := rm.inFlight[key]; ok {
		rm.mu.Unlock()
		<-c.done
		return c.val, c.err == nil, c.err
	}
	c := &call{done: make(chan struct{})}
	rm.inFlight[key] = c
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.inFlight, key)
		rm.mu.Unlock()
		close(c.done)
	}()

	// The request we missed may have finished between lookup and registering.
	if v, ok := lookup(); ok {
		c.val = v
		return v, true, nil
	}
	c.val, c.err = fetch()
	return c.val, false, c.err
}

// InFlight is the number of keys being fetched.
func (rm *RequestManager) InFlight() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.inFlight)
}
