package scheduler

import (
	"hash/fnv"
	"sync"
)

// stripedLocks is a fixed-size table of per-mint locks (spec §4.10's
// concurrency contract): operations on the same token must not overlap
// across jobs, but N tokens hashing to different stripes run fully in
// parallel. A job that cannot acquire a stripe skips that token for the
// tick rather than blocking.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLocks) stripe(mint string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(mint))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// TryLock attempts to acquire mint's stripe without blocking.
func (s *stripedLocks) TryLock(mint string) bool {
	return s.stripe(mint).TryLock()
}

// Unlock releases mint's stripe.
func (s *stripedLocks) Unlock(mint string) {
	s.stripe(mint).Unlock()
}
