package engine

import (
	"hash/fnv"
	"sync"
)

// requestLocks serializes all mutations of one request through a single
// mutex. Striping keeps the lock count fixed while unrelated requests stay
// concurrent; two requests sharing a stripe merely contend, never corrupt.
type requestLocks struct {
	stripes []sync.Mutex
}

func newRequestLocks(n int) *requestLocks {
	if n <= 0 {
		n = 64
	}
	return &requestLocks{stripes: make([]sync.Mutex, n)}
}

// mutex returns the stripe owning the given request id.
func (l *requestLocks) mutex(requestID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}
