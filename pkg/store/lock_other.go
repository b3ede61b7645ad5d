//go:build !unix

package store

import "sync"

// Without flock the store only serializes writers inside one process.
var processLocks sync.Map

type fileLock struct {
	mu *sync.RWMutex
	ex bool
}

func acquireLock(path string, exclusive bool) (*fileLock, error) {
	value, _ := processLocks.LoadOrStore(path, &sync.RWMutex{})
	mu := value.(*sync.RWMutex)
	if exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}

	return &fileLock{mu: mu, ex: exclusive}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.mu == nil {
		return nil
	}
	if l.ex {
		l.mu.Unlock()
	} else {
		l.mu.RUnlock()
	}
	l.mu = nil

	return nil
}
