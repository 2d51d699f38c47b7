package consensus

import (
	"context"
	"testing"
)

func TestSingleNodeSelfElects(t *testing.T) {
	ctx := context.Background()
	e := NewRaftEngine("node-1", nil)

	if e.IsLeader() {
		t.Fatalf("expected follower state before Start")
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.IsLeader() {
		t.Fatalf("single-node engine must elect itself leader")
	}
	if got := e.Leader(); got != "node-1" {
		t.Fatalf("Leader() = %q, want node-1", got)
	}

	st := e.Status()
	if st.State != "leader" {
		t.Fatalf("Status().State = %q, want leader", st.State)
	}
	if st.Term != 1 {
		t.Fatalf("Status().Term = %d, want 1", st.Term)
	}
}

func TestMultiNodeStaysFollowerWithoutElection(t *testing.T) {
	ctx := context.Background()
	e := NewRaftEngine("node-1", []string{"node-2", "node-3"})
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.IsLeader() {
		t.Fatalf("multi-node engine must not self-elect without an election")
	}
	if got := e.Leader(); got != "" {
		t.Fatalf("Leader() = %q, want empty while no leader is known", got)
	}
	if st := e.Status(); st.ActiveNodes != 3 {
		t.Fatalf("Status().ActiveNodes = %d, want 3", st.ActiveNodes)
	}
}

func TestProposeAppendsOrderedEntries(t *testing.T) {
	ctx := context.Background()
	e := NewRaftEngine("node-1", nil)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.Propose(ctx, LogEntry{Type: "assign", Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Propose: %v", err)
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.log) != 3 {
		t.Fatalf("log length = %d, want 3", len(e.log))
	}
	for i, entry := range e.log {
		if entry.Index != int64(i) {
			t.Fatalf("entry %d has index %d", i, entry.Index)
		}
		if entry.Term != 1 {
			t.Fatalf("entry %d has term %d, want 1", i, entry.Term)
		}
	}
}

func TestStopDemotesLeader(t *testing.T) {
	ctx := context.Background()
	e := NewRaftEngine("node-1", nil)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.IsLeader() {
		t.Fatalf("expected demotion to follower after Stop")
	}
}
