// Package consensus provides leader election among global scheduler
// replicas, so exactly one instance assigns local-scheduler ownership
// to a given task_id at a time.
package consensus

import (
	"context"
	"sync"
	"time"
)

// Engine is the leader-election surface the scheduler depends on. A
// full Raft implementation is out of scope for this core; this
// package models just enough of Raft's state machine (term, leader,
// log of applied ownership-assignment entries) to gate scheduling
// decisions on leadership.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsLeader() bool
	Leader() string
	Status() Status
	Propose(ctx context.Context, entry LogEntry) error
}

// Status is a snapshot of the engine's Raft-like state.
type Status struct {
	State       string    `json:"state"` // "leader", "follower", "candidate"
	Term        int64     `json:"term"`
	LeaderID    string    `json:"leader_id"`
	LastUpdate  time.Time `json:"last_update"`
	ActiveNodes int       `json:"active_nodes"`
}

// LogEntry is one committed consensus decision, e.g. "task_id X is
// now owned by local_scheduler_id Y".
type LogEntry struct {
	Term  int64  `json:"term"`
	Index int64  `json:"index"`
	Type  string `json:"type"`
	Data  []byte `json:"data"`
}

// RaftEngine is a single-process stand-in for a Raft group: it always
// elects itself leader if it has no peers, and otherwise holds the
// term/log bookkeeping a real Raft transport would drive. Wiring an
// actual Raft transport is future work; this gives the scheduler a
// stable interface to build against today.
type RaftEngine struct {
	mu    sync.RWMutex
	id    string
	peers []string

	state string
	term  int64
	log   []LogEntry
}

// NewRaftEngine constructs an engine for nodeID among peers.
func NewRaftEngine(nodeID string, peers []string) *RaftEngine {
	return &RaftEngine{
		id:    nodeID,
		peers: peers,
		state: "follower",
	}
}

func (r *RaftEngine) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) == 0 {
		r.state = "leader"
		r.term++
	}
	return nil
}

func (r *RaftEngine) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = "follower"
	return nil
}

func (r *RaftEngine) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == "leader"
}

func (r *RaftEngine) Leader() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == "leader" {
		return r.id
	}
	return ""
}

func (r *RaftEngine) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		State:       r.state,
		Term:        r.term,
		LeaderID:    r.Leader(),
		LastUpdate:  time.Now(),
		ActiveNodes: len(r.peers) + 1,
	}
}

// Propose appends entry to the local log. In a multi-node deployment
// this would replicate to a quorum before returning; single-node
// deployments commit immediately.
func (r *RaftEngine) Propose(ctx context.Context, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Term = r.term
	entry.Index = int64(len(r.log))
	r.log = append(r.log, entry)
	return nil
}
