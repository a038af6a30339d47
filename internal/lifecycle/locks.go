package lifecycle

import (
	"hash/fnv"
	"sync"

	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

const defaultStripes = 64

// stripedLocks serializes work per recommendation identity with a fixed
// number of mutexes. Distinct identities may share a stripe.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = defaultStripes
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(id recommend.Identity) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
