// Package loadbalancer selects, among the workers a scheduler has
// already filtered by resource fit, the one that should receive a
// given task. Placement is consistent-hash based (rendezvous
// hashing) rather than round-robin, so repeated submissions of
// logically identical work tend to land on the same worker without a
// central placement table.
package loadbalancer

import (
	"errors"

	"github.com/khryptorgraphics/taskmesh/pkg/types"
)

// ErrNoAvailableNodes is returned when no worker is eligible for a
// placement decision.
var ErrNoAvailableNodes = errors.New("loadbalancer: no available workers")

// Balancer selects a worker to run a task, keyed by the task's own
// content-addressed ID so the same task (resubmitted, or replayed)
// tends to hash to the same worker.
type Balancer interface {
	Select(taskIDHex string, workers []types.WorkerNode) (types.WorkerNode, error)
	Add(workerID string)
	Remove(workerID string)
}
