package loadbalancer

import (
	"testing"

	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

func workers(ids ...string) []types.WorkerNode {
	out := make([]types.WorkerNode, len(ids))
	for i, id := range ids {
		out[i] = types.WorkerNode{ID: id, Status: types.WorkerOnline}
	}
	return out
}

func TestSelectStableForSameTask(t *testing.T) {
	b := NewRendezvousBalancer([]string{"w1", "w2", "w3"})
	ws := workers("w1", "w2", "w3")

	first, err := b.Select("deadbeef", ws)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, err := b.Select("deadbeef", ws)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same task ID selected different workers: %s vs %s", first.ID, second.ID)
	}
}

func TestSelectNoWorkers(t *testing.T) {
	b := NewRendezvousBalancer(nil)
	if _, err := b.Select("deadbeef", nil); err != ErrNoAvailableNodes {
		t.Fatalf("expected ErrNoAvailableNodes, got %v", err)
	}
}

func TestSelectOnlyAmongEligible(t *testing.T) {
	b := NewRendezvousBalancer([]string{"w1", "w2", "w3"})
	picked, err := b.Select("cafef00d", workers("w2"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if picked.ID != "w2" {
		t.Fatalf("expected the only eligible worker w2, got %s", picked.ID)
	}
}
