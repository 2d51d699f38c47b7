package scheduler

import (
	"testing"

	"github.com/khryptorgraphics/taskmesh/pkg/ids"
	"github.com/khryptorgraphics/taskmesh/pkg/loadbalancer"
	"github.com/khryptorgraphics/taskmesh/pkg/taskinstance"
	"github.com/khryptorgraphics/taskmesh/pkg/taskspec"
	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

func hID(b byte) ids.UniqueId {
	var id ids.UniqueId
	for i := range id {
		id[i] = b
	}
	return id
}

func buildInstance(t *testing.T, cpu float64) *taskinstance.Instance {
	t.Helper()
	spec := taskspec.Begin(hID(1), hID(2), 0, ids.NilID, 0, hID(3), 0, 1, 0)
	spec.SetRequiredResource(taskspec.ResourceCPU, cpu)
	spec.Finish()
	return taskinstance.Alloc(spec, taskinstance.State(types.TaskWaiting), ids.NilID)
}

func TestSubmitPicksEligibleWorker(t *testing.T) {
	lb := loadbalancer.NewRendezvousBalancer(nil)
	s := New(lb, nil, nil, nil)

	s.RegisterWorker(Worker{
		ID:       "w1",
		Status:   types.WorkerOnline,
		Capacity: types.WorkerCapacity{Resources: types.ResourceVector{taskspec.ResourceCPU: 4}},
	})

	inst := buildInstance(t, 2)
	if err := s.Submit(inst, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	popped, ok := s.Dequeue()
	if !ok {
		t.Fatalf("expected a dequeued instance")
	}
	if popped.TaskID() != inst.TaskID() {
		t.Fatalf("dequeued a different instance")
	}
	if types.TaskState(popped.State()) != types.TaskScheduled {
		t.Fatalf("expected Scheduled state, got %v", popped.State())
	}
}

func TestSubmitRejectsWhenNoCapacity(t *testing.T) {
	lb := loadbalancer.NewRendezvousBalancer(nil)
	s := New(lb, nil, nil, nil)
	s.RegisterWorker(Worker{
		ID:       "w1",
		Status:   types.WorkerOnline,
		Capacity: types.WorkerCapacity{Resources: types.ResourceVector{taskspec.ResourceCPU: 1}},
	})

	inst := buildInstance(t, 8)
	if err := s.Submit(inst, nil); err == nil {
		t.Fatalf("expected rejection when no worker has enough CPU")
	}
	m := s.Metrics()
	if m.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", m.Rejected)
	}
}

func TestSubmitFiltersByCapabilityTag(t *testing.T) {
	lb := loadbalancer.NewRendezvousBalancer(nil)
	s := New(lb, nil, nil, nil)
	s.RegisterWorker(Worker{
		ID:           "cpu-only",
		Status:       types.WorkerOnline,
		Capacity:     types.WorkerCapacity{Resources: types.ResourceVector{taskspec.ResourceCPU: 16}},
		Capabilities: []string{"arch:amd64"},
	})
	s.RegisterWorker(Worker{
		ID:           "gpu-box",
		Status:       types.WorkerOnline,
		Capacity:     types.WorkerCapacity{Resources: types.ResourceVector{taskspec.ResourceCPU: 16}},
		Capabilities: []string{"arch:amd64", "gpu:a100"},
	})

	inst := buildInstance(t, 1)
	if err := s.Submit(inst, []string{"gpu:a100"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var local [20]byte
	copy(local[:], "gpu-box")
	if inst.LocalScheduler() != local {
		t.Fatalf("expected placement on gpu-box, got %x", inst.LocalScheduler())
	}

	if err := s.Submit(buildInstance(t, 1), []string{"fpga:alveo"}); err == nil {
		t.Fatalf("expected rejection when no worker carries the required tag")
	}
}

func TestIsLeaderDefaultsTrueWithoutConsensus(t *testing.T) {
	s := New(loadbalancer.NewRendezvousBalancer(nil), nil, nil, nil)
	if !s.IsLeader() {
		t.Fatalf("expected IsLeader() true when no consensus engine is wired")
	}
}
