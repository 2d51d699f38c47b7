// Package taskinstance implements the runtime envelope that wraps a
// finalized task specification with scheduling state and placement:
// the unit schedulers and workers actually pass around.
package taskinstance

import (
	"github.com/khryptorgraphics/taskmesh/pkg/ids"
	"github.com/khryptorgraphics/taskmesh/pkg/taskspec"
)

// State is an opaque scheduling state, owned and interpreted entirely
// by the scheduler; this package only stores it.
type State int32

const (
	envelopeHeaderSize = 4 + ids.Size // state (int32) + local_scheduler_id
)

// Instance is a scheduling envelope: { state, local_scheduler_id, spec }.
// Like Spec, it lives in one contiguous allocation so transport stays
// a single memcpy regardless of the embedded spec's argument count.
type Instance struct {
	blob []byte
}

// Alloc allocates one contiguous envelope sized to hold spec, and
// deep-copies spec's bytes into it.
func Alloc(spec *taskspec.Spec, state State, localSchedulerID ids.DbClientId) *Instance {
	specBytes := spec.Bytes()
	inst := &Instance{blob: make([]byte, envelopeHeaderSize+len(specBytes))}
	inst.SetState(state)
	inst.SetLocalScheduler(localSchedulerID)
	copy(inst.blob[envelopeHeaderSize:], specBytes)
	return inst
}

// Copy returns a byte-for-byte duplicate of other, including its
// embedded spec, semantically independent of the original.
func Copy(other *Instance) *Instance {
	dup := make([]byte, len(other.blob))
	copy(dup, other.blob)
	return &Instance{blob: dup}
}

// Size returns the envelope's total serialized length.
func (i *Instance) Size() int64 {
	return int64(len(i.blob))
}

// Bytes returns the envelope's canonical byte representation.
func (i *Instance) Bytes() []byte {
	return i.blob
}

// Parse wraps an existing envelope byte blob without copying. As with
// taskspec.Parse, callers are responsible for validating untrusted
// bytes before use.
func Parse(blob []byte) *Instance {
	return &Instance{blob: blob}
}

func (i *Instance) State() State {
	return State(int32(i.blob[0]) | int32(i.blob[1])<<8 | int32(i.blob[2])<<16 | int32(i.blob[3])<<24)
}

func (i *Instance) SetState(s State) {
	v := uint32(s)
	i.blob[0] = byte(v)
	i.blob[1] = byte(v >> 8)
	i.blob[2] = byte(v >> 16)
	i.blob[3] = byte(v >> 24)
}

func (i *Instance) LocalScheduler() ids.DbClientId {
	var id ids.DbClientId
	copy(id[:], i.blob[4:4+ids.Size])
	return id
}

func (i *Instance) SetLocalScheduler(id ids.DbClientId) {
	copy(i.blob[4:4+ids.Size], id[:])
}

// Spec returns the embedded spec, reachable through its accessors but
// sharing the envelope's backing array.
func (i *Instance) Spec() *taskspec.Spec {
	return taskspec.Parse(i.blob[envelopeHeaderSize:])
}

// TaskID reads through to the embedded spec's task ID.
func (i *Instance) TaskID() ids.TaskId {
	return i.Spec().TaskID()
}
