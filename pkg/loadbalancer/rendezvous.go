package loadbalancer

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

// RendezvousBalancer ranks workers by highest-random-weight against a
// task's ID, so placement is stable as the worker set grows or
// shrinks (only the tasks hashed to an added/removed worker move,
// unlike modulo hashing where nearly everything reshuffles).
type RendezvousBalancer struct {
	mu   sync.RWMutex
	ring *rendezvous.Rendezvous
}

// NewRendezvousBalancer seeds the ring with the given worker IDs.
func NewRendezvousBalancer(workerIDs []string) *RendezvousBalancer {
	return &RendezvousBalancer{
		ring: rendezvous.New(workerIDs, xxhash.Sum64String),
	}
}

// Select returns the highest-ranked worker for taskIDHex among the
// subset of workers passed in (already resource-fit filtered by the
// caller). It re-ranks within that subset rather than trusting the
// full ring's top pick, since the full ring may include workers that
// don't satisfy this task's resource requirements.
func (b *RendezvousBalancer) Select(taskIDHex string, workers []types.WorkerNode) (types.WorkerNode, error) {
	if len(workers) == 0 {
		return types.WorkerNode{}, ErrNoAvailableNodes
	}

	eligible := make(map[string]types.WorkerNode, len(workers))
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		eligible[w.ID] = w
		ids = append(ids, w.ID)
	}

	sub := rendezvous.New(ids, xxhash.Sum64String)
	picked := sub.Lookup(taskIDHex)
	w, ok := eligible[picked]
	if !ok {
		// Lookup returns one of ids for a non-empty ring; this branch
		// is unreachable unless that contract changes.
		return workers[0], nil
	}
	return w, nil
}

// Add registers a new worker on the cluster-wide ring.
func (b *RendezvousBalancer) Add(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Add(workerID)
}

// Remove drops a worker from the cluster-wide ring.
func (b *RendezvousBalancer) Remove(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Remove(workerID)
}
