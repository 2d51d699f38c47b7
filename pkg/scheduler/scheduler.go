// Package scheduler turns finalized task instances into placement
// decisions: it orders pending work, filters workers by resource fit,
// and delegates the final pick to a consistent-hash load balancer so
// repeated submissions of the same task tend to land on the same
// worker.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/khryptorgraphics/taskmesh/pkg/consensus"
	"github.com/khryptorgraphics/taskmesh/pkg/loadbalancer"
	"github.com/khryptorgraphics/taskmesh/pkg/p2p"
	"github.com/khryptorgraphics/taskmesh/pkg/taskinstance"
	"github.com/khryptorgraphics/taskmesh/pkg/taskspec"
	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

// Worker is a scheduler-side view of a registered worker node: its
// advertised capacity and free-form capability tags (e.g. "gpu:a100",
// a specific accelerator family that doesn't fit the dense numeric
// resource vector).
type Worker struct {
	ID           string
	Capacity     types.WorkerCapacity
	Capabilities []string
	Status       types.WorkerStatus
}

// pendingTask wraps a queued instance with its heap priority.
type pendingTask struct {
	inst     *taskinstance.Instance
	priority float64
	index    int
}

// priorityQueue orders pending tasks highest-priority first using a
// binary heap, giving O(log n) push/pop instead of the O(n) scan a
// slice-sorted queue would need on every submission.
type priorityQueue struct {
	items []*pendingTask
}

func (pq *priorityQueue) Len() int { return len(pq.items) }
func (pq *priorityQueue) Less(i, j int) bool {
	return pq.items[i].priority > pq.items[j].priority
}
func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pendingTask)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}
func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}

// capabilityFilter is a bloom filter over each worker's capability
// tags, letting resource-fit filtering skip workers that definitely
// lack a required custom capability without walking every tag string.
type capabilityFilter struct {
	mu    sync.RWMutex
	bits  map[string][]uint64
	size  uint64
	hashN int
}

func newCapabilityFilter(expectedTagsPerWorker int) *capabilityFilter {
	if expectedTagsPerWorker < 1 {
		expectedTagsPerWorker = 1
	}
	size := uint64(-float64(expectedTagsPerWorker) * math.Log(0.01) / (math.Log(2) * math.Log(2)))
	if size == 0 {
		size = 64
	}
	hashN := int(float64(size) / float64(expectedTagsPerWorker) * math.Log(2))
	if hashN < 1 {
		hashN = 1
	}
	return &capabilityFilter{bits: make(map[string][]uint64), size: size, hashN: hashN}
}

func (f *capabilityFilter) hash(tag string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(tag))
	h1 := h.Sum64()
	h.Reset()
	h.Write([]byte(tag))
	h.Write([]byte{1})
	return h1, h.Sum64()
}

func (f *capabilityFilter) set(workerID string, tags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	words := make([]uint64, (f.size+63)/64)
	for _, tag := range tags {
		h1, h2 := f.hash(tag)
		for i := 0; i < f.hashN; i++ {
			idx := (h1 + uint64(i)*h2) % f.size
			words[idx/64] |= 1 << (idx % 64)
		}
	}
	f.bits[workerID] = words
}

func (f *capabilityFilter) mightHave(workerID, tag string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	words, ok := f.bits[workerID]
	if !ok {
		return false
	}
	h1, h2 := f.hash(tag)
	for i := 0; i < f.hashN; i++ {
		idx := (h1 + uint64(i)*h2) % f.size
		if words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Metrics are atomically-updated submission counters.
type Metrics struct {
	Submitted int64
	Scheduled int64
	Rejected  int64
}

func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Submitted: atomic.LoadInt64(&m.Submitted),
		Scheduled: atomic.LoadInt64(&m.Scheduled),
		Rejected:  atomic.LoadInt64(&m.Rejected),
	}
}

// Scheduler assigns finalized task instances to worker nodes.
type Scheduler struct {
	mu    sync.Mutex
	queue priorityQueue

	workers sync.Map // worker ID -> *Worker
	caps    *capabilityFilter
	balancer loadbalancer.Balancer

	transport p2p.Node
	consensus consensus.Engine
	logger    *slog.Logger
	metrics   Metrics
}

// New constructs a Scheduler. transport and consensusEngine may be
// nil for single-process/test use.
func New(balancer loadbalancer.Balancer, transport p2p.Node, consensusEngine consensus.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		balancer:  balancer,
		transport: transport,
		consensus: consensusEngine,
		logger:    logger,
		caps:      newCapabilityFilter(8),
	}
	heap.Init(&s.queue)
	return s
}

// RegisterWorker adds or updates a worker's advertised capacity.
func (s *Scheduler) RegisterWorker(w Worker) {
	s.workers.Store(w.ID, &w)
	s.caps.set(w.ID, w.Capabilities)
	if lb, ok := s.balancer.(*loadbalancer.RendezvousBalancer); ok {
		lb.Add(w.ID)
	}
}

// RemoveWorker drops a worker from consideration.
func (s *Scheduler) RemoveWorker(id string) {
	s.workers.Delete(id)
	if lb, ok := s.balancer.(*loadbalancer.RendezvousBalancer); ok {
		lb.Remove(id)
	}
}

// eligibleWorkers returns the registered workers whose advertised
// capacity covers spec's required_resources vector and, if
// requiredCapabilities is non-empty, who plausibly carry every tag
// (a bloom-filter "maybe" — exact membership is re-checked against
// the worker's own Capabilities slice before it's trusted).
func (s *Scheduler) eligibleWorkers(spec *taskspec.Spec, requiredCapabilities []string) []types.WorkerNode {
	var want types.ResourceVector
	for i := 0; i < taskspec.MaxResourceIndex; i++ {
		want[i] = spec.RequiredResource(i)
	}

	var eligible []types.WorkerNode
	s.workers.Range(func(_, v any) bool {
		w := v.(*Worker)
		if w.Status != types.WorkerOnline {
			return true
		}
		if !w.Capacity.Fits(want) {
			return true
		}
		for _, tag := range requiredCapabilities {
			if !s.caps.mightHave(w.ID, tag) {
				return true
			}
			if !hasTag(w.Capabilities, tag) {
				return true
			}
		}
		eligible = append(eligible, types.WorkerNode{ID: w.ID, Status: w.Status, Capacity: w.Capacity})
		return true
	})
	return eligible
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Submit places a finalized instance's task onto the schedule: it
// picks an eligible worker, marks the instance Scheduled and bound to
// that worker's local scheduler, and pushes it onto the priority
// queue for dispatch.
func (s *Scheduler) Submit(inst *taskinstance.Instance, requiredCapabilities []string) error {
	atomic.AddInt64(&s.metrics.Submitted, 1)

	spec := inst.Spec()
	eligible := s.eligibleWorkers(spec, requiredCapabilities)
	if len(eligible) == 0 {
		atomic.AddInt64(&s.metrics.Rejected, 1)
		return fmt.Errorf("scheduler: no worker satisfies required resources for task %s", spec.TaskID().Hex())
	}

	chosen, err := s.balancer.Select(spec.TaskID().Hex(), eligible)
	if err != nil {
		atomic.AddInt64(&s.metrics.Rejected, 1)
		return fmt.Errorf("scheduler: placement failed: %w", err)
	}

	var localSchedulerID [20]byte
	copy(localSchedulerID[:], chosen.ID)

	s.mu.Lock()
	inst.SetState(taskinstance.State(types.TaskScheduled))
	inst.SetLocalScheduler(localSchedulerID)
	heap.Push(&s.queue, &pendingTask{inst: inst, priority: s.priority(spec)})
	s.mu.Unlock()

	atomic.AddInt64(&s.metrics.Scheduled, 1)
	s.logger.Info("task scheduled", "task_id", spec.TaskID().Hex(), "worker", chosen.ID)

	if s.transport != nil {
		if err := s.transport.SendInstance(context.Background(), chosen.ID, inst.Bytes()); err != nil {
			s.logger.Warn("failed to dispatch instance to worker", "worker", chosen.ID, "err", err)
		}
	}
	return nil
}

// priority ranks by submission ordinal within a lineage: lower
// parent_counter runs first, matching the deterministic replay
// ordering the spec's content-addressing is meant to support.
func (s *Scheduler) priority(spec *taskspec.Spec) float64 {
	return -float64(spec.ParentCounter())
}

// Dequeue pops the highest-priority pending instance, if any.
func (s *Scheduler) Dequeue() (*taskinstance.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&s.queue).(*pendingTask)
	return item.inst, true
}

// Metrics returns a point-in-time snapshot of submission counters.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.Snapshot()
}

// IsLeader reports whether this scheduler replica currently owns
// assignment authority, per its consensus engine. With a nil engine
// (single-process use) it always returns true.
func (s *Scheduler) IsLeader() bool {
	if s.consensus == nil {
		return true
	}
	return s.consensus.IsLeader()
}
