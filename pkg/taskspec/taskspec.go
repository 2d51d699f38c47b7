// Package taskspec implements the task specification: an immutable,
// self-describing record of one task invocation, built through a
// two-phase construction protocol and identified by the content hash
// of its own bytes.
//
// A Spec lives in exactly one contiguous allocation: a fixed-size
// header, a trailing array of same-stride TaskArg slots (arguments
// followed by return slots), and a trailing region of inlined
// pass-by-value bytes. This keeps the spec zero-copy friendly for
// hashing and transport and matches the on-wire layout documented
// below byte for byte.
//
//	offset  size                     field
//	0       20                       driver_id
//	20      20                       task_id            (NIL while building)
//	40      20                       parent_task_id
//	60      8                        parent_counter (i64)
//	68      20                       actor_id
//	88      8                        actor_counter (i64)
//	96      20                       function_id
//	116     8                        num_args (i64)
//	124     8                        arg_index (i64)
//	132     8                        num_returns (i64)
//	140     8                        args_value_size (i64)
//	148     8                        args_value_offset (i64)
//	156     8*MaxResourceIndex       required_resources (f64 each)
//	H       (num_args+num_returns)*S TaskArg array
//	H+...   args_value_size          inline value bytes
//
// A spec is either under construction (task_id == NIL) or finalized
// (task_id != NIL); there is no transition back. All mutators require
// the former. DriverID, TaskID, ActorID, ActorCounter, FunctionID,
// ArgID and ReturnID require the latter; the size, arity, resource,
// parent, arg-index and per-argument type/value/length accessors work
// in either state. Contract violations panic rather than return an error:
// they indicate a caller bug, not an environmental failure.
package taskspec

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"

	"github.com/khryptorgraphics/taskmesh/pkg/ids"
	sha256simd "github.com/minio/sha256-simd"
)

// Role aliases, re-exported for callers that only import taskspec.
type (
	TaskId     = ids.TaskId
	ObjectId   = ids.ObjectId
	ActorId    = ids.ActorId
	FunctionId = ids.FunctionId
	DriverId   = ids.DriverId
)

// Tag discriminates the two TaskArg cases.
type Tag uint8

const (
	ArgByRef Tag = 0
	ArgByVal Tag = 1
)

func (t Tag) String() string {
	if t == ArgByVal {
		return "ByVal"
	}
	return "ByRef"
}

// MaxResourceIndex bounds the dense required_resources vector. It is a
// compile-time constant that every consumer on the same cluster must
// agree on; indices 0-2 are named, 3-15 are free for cluster-specific
// custom resources.
const MaxResourceIndex = 16

const (
	ResourceCPU    = 0
	ResourceGPU    = 1
	ResourceMemory = 2
)

// Byte offsets within the fixed header, per the layout above.
const (
	offDriverID          = 0
	offTaskID            = offDriverID + ids.Size
	offParentTaskID      = offTaskID + ids.Size
	offParentCounter     = offParentTaskID + ids.Size
	offActorID           = offParentCounter + 8
	offActorCounter      = offActorID + ids.Size
	offFunctionID        = offActorCounter + 8
	offNumArgs           = offFunctionID + ids.Size
	offArgIndex          = offNumArgs + 8
	offNumReturns        = offArgIndex + 8
	offArgsValueSize     = offNumReturns + 8
	offArgsValueOffset   = offArgsValueSize + 8
	offRequiredResources = offArgsValueOffset + 8

	// HeaderSize is the size of the fixed header, before the trailing
	// TaskArg array and inline value bytes.
	HeaderSize = offRequiredResources + 8*MaxResourceIndex
)

// Per-slot layout: a 1-byte tag, 7 bytes of padding (so the payload
// starts at offset 8 within the slot), then a 20-byte payload wide enough to hold
// either an ObjectId or an {offset int64, length int64} pair.
const (
	argSlotTagSize     = 8
	argSlotPayloadSize = ids.Size
	// ArgSlotSize is the stride of one TaskArg slot.
	ArgSlotSize = argSlotTagSize + argSlotPayloadSize
)

// Spec is a task specification. The zero value is not usable; obtain
// one via Begin.
type Spec struct {
	blob []byte
}

func fail(format string, args ...any) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	}
	panic(fmt.Sprintf("taskspec: contract violation (%s:%d): "+format, append([]any{file, line}, args...)...))
}

// Begin allocates a new under-construction spec. All return slots are
// pre-populated as ByRef{NIL}; task_id is NIL until Finish.
func Begin(driverID DriverId, parentTaskID TaskId, parentCounter int64, actorID ActorId, actorCounter int64, functionID FunctionId, numArgs, numReturns, argsValueSize int64) *Spec {
	if numArgs < 0 || numReturns < 0 || argsValueSize < 0 {
		fail("Begin: sizes must be non-negative (num_args=%d num_returns=%d args_value_size=%d)", numArgs, numReturns, argsValueSize)
	}
	size := HeaderSize + (numArgs+numReturns)*ArgSlotSize + argsValueSize
	s := &Spec{blob: make([]byte, size)}

	s.writeID(offDriverID, driverID)
	s.writeID(offTaskID, ids.NilID)
	s.writeID(offParentTaskID, parentTaskID)
	s.writeI64(offParentCounter, parentCounter)
	s.writeID(offActorID, actorID)
	s.writeI64(offActorCounter, actorCounter)
	s.writeID(offFunctionID, functionID)
	s.writeI64(offNumArgs, numArgs)
	s.writeI64(offArgIndex, 0)
	s.writeI64(offNumReturns, numReturns)
	s.writeI64(offArgsValueSize, argsValueSize)
	s.writeI64(offArgsValueOffset, 0)

	for i := int64(0); i < numReturns; i++ {
		s.setSlotTag(numArgs+i, ArgByRef)
		s.setSlotID(numArgs+i, ids.NilID)
	}
	return s
}

func (s *Spec) underConstruction() bool {
	return ids.IsNil(s.readID(offTaskID))
}

func (s *Spec) requireUnderConstruction(op string) {
	if !s.underConstruction() {
		fail("%s: spec is already finalized", op)
	}
}

func (s *Spec) requireFinalized(op string) {
	if s.underConstruction() {
		fail("%s: spec is still under construction", op)
	}
}

// AddArgByRef installs a ByRef argument at the current construction
// cursor and returns its slot index.
func (s *Spec) AddArgByRef(objID ObjectId) int64 {
	s.requireUnderConstruction("AddArgByRef")
	argIndex := s.readI64(offArgIndex)
	numArgs := s.readI64(offNumArgs)
	if argIndex >= numArgs {
		fail("AddArgByRef: arg_index %d >= num_args %d", argIndex, numArgs)
	}
	s.setSlotTag(argIndex, ArgByRef)
	s.setSlotID(argIndex, objID)
	s.writeI64(offArgIndex, argIndex+1)
	return argIndex
}

// AddArgByVal installs a ByVal argument at the current construction
// cursor, copying data into the inline value region, and returns its
// slot index. If this is the last argument, the inline region must be
// exactly filled.
func (s *Spec) AddArgByVal(data []byte) int64 {
	s.requireUnderConstruction("AddArgByVal")
	argIndex := s.readI64(offArgIndex)
	numArgs := s.readI64(offNumArgs)
	if argIndex >= numArgs {
		fail("AddArgByVal: arg_index %d >= num_args %d", argIndex, numArgs)
	}
	argsValueOffset := s.readI64(offArgsValueOffset)
	argsValueSize := s.readI64(offArgsValueSize)
	length := int64(len(data))
	if argsValueOffset+length > argsValueSize {
		fail("AddArgByVal: value region overflow (offset=%d length=%d size=%d)", argsValueOffset, length, argsValueSize)
	}
	if argIndex == numArgs-1 && argsValueOffset+length != argsValueSize {
		fail("AddArgByVal: last argument must exactly fill the value region (offset=%d length=%d size=%d)", argsValueOffset, length, argsValueSize)
	}

	s.setSlotTag(argIndex, ArgByVal)
	s.setSlotValue(argIndex, argsValueOffset, length)
	base := s.valueBase()
	copy(s.blob[base+argsValueOffset:base+argsValueOffset+length], data)

	s.writeI64(offArgsValueOffset, argsValueOffset+length)
	s.writeI64(offArgIndex, argIndex+1)
	return argIndex
}

// SetRequiredResource stores value at the given resource index.
func (s *Spec) SetRequiredResource(index int, value float64) {
	if index < 0 || index >= MaxResourceIndex {
		fail("SetRequiredResource: index %d out of range [0,%d)", index, MaxResourceIndex)
	}
	s.writeF64(offRequiredResources+8*index, value)
}

// RequiredResource returns the value stored at the given resource
// index; a value of 0 means "no requirement".
func (s *Spec) RequiredResource(index int) float64 {
	if index < 0 || index >= MaxResourceIndex {
		fail("RequiredResource: index %d out of range [0,%d)", index, MaxResourceIndex)
	}
	return s.readF64(offRequiredResources + 8*index)
}

// Finish completes construction: computes task_id from the spec's own
// bytes (while task_id and all return slots are still NIL) and fills
// in each return slot's derived object ID. It panics if construction
// is incomplete.
func (s *Spec) Finish() *Spec {
	s.requireUnderConstruction("Finish")
	argIndex := s.readI64(offArgIndex)
	numArgs := s.readI64(offNumArgs)
	if argIndex != numArgs {
		fail("Finish: arg_index %d != num_args %d", argIndex, numArgs)
	}
	argsValueOffset := s.readI64(offArgsValueOffset)
	argsValueSize := s.readI64(offArgsValueSize)
	if argsValueOffset != argsValueSize {
		fail("Finish: args_value_offset %d != args_value_size %d", argsValueOffset, argsValueSize)
	}

	taskID := computeTaskID(s.blob)
	s.writeID(offTaskID, taskID)

	numReturns := s.readI64(offNumReturns)
	for i := int64(0); i < numReturns; i++ {
		retID := DeriveReturnID(taskID, i)
		s.setSlotTag(numArgs+i, ArgByRef)
		s.setSlotID(numArgs+i, retID)
	}
	return s
}

// computeTaskID hashes the entire blob with crypto/sha256-api-compatible
// minio/sha256-simd and truncates to the first 20 bytes. Callers must
// ensure task_id and every return slot are still NIL before calling.
func computeTaskID(blob []byte) TaskId {
	sum := sha256simd.Sum256(blob)
	var id TaskId
	copy(id[:], sum[:ids.Size])
	return id
}

// DeriveReturnID derives return slot i's object ID from a finalized
// task ID: copy task_id, then XOR the first 8 bytes (as a
// little-endian i64) with (i+1). The +1 ensures the first return ID
// never equals the task ID.
//
// This derivation only XORs 8 of the 20 bytes, so it is not injective
// across distinct task-ID pairs: two task IDs that collide in their
// last 12 bytes but differ in the first 8 could in principle produce
// colliding object IDs after derivation. With uniformly random task
// IDs this is astronomically unlikely. The behavior is preserved
// exactly for wire compatibility; it is not "fixed" here.
func DeriveReturnID(taskID TaskId, returnIndex int64) ObjectId {
	if returnIndex < 0 {
		fail("DeriveReturnID: return_index %d must be >= 0", returnIndex)
	}
	return xorFirst8(taskID, uint64(returnIndex+1))
}

// DerivePutID derives the object ID for a driver-side put at index k,
// disjoint from every return ID because the XOR masks occupy disjoint
// ranges: return IDs XOR with a positive i+1, put IDs XOR with
// -(k+1).
func DerivePutID(taskID TaskId, putIndex int64) ObjectId {
	if putIndex < 0 {
		fail("DerivePutID: put_index %d must be >= 0", putIndex)
	}
	mask := uint64(-(putIndex + 1))
	return xorFirst8(taskID, mask)
}

func xorFirst8(id ids.UniqueId, mask uint64) ids.UniqueId {
	out := id
	v := binary.LittleEndian.Uint64(out[:8])
	binary.LittleEndian.PutUint64(out[:8], v^mask)
	return out
}

// Size returns the spec's total serialized length: the exact size of
// its single backing allocation.
func (s *Spec) Size() int64 {
	return int64(len(s.blob))
}

// Bytes returns the spec's canonical byte representation. Callers may
// persist or transmit it verbatim and reconstruct a Spec with Parse.
func (s *Spec) Bytes() []byte {
	return s.blob
}

// Parse wraps an existing byte blob (e.g. one received over the wire
// or read back from storage) as a Spec without copying. Callers are
// responsible for validating the header (bounds of num_args,
// num_returns, args_value_size, and that the blob's length equals the
// declared spec size) before invoking any accessor; the core performs
// no such validation because it never touches untrusted bytes on its
// own.
func Parse(blob []byte) *Spec {
	return &Spec{blob: blob}
}

func (s *Spec) DriverID() DriverId {
	s.requireFinalized("DriverID")
	return s.readID(offDriverID)
}

func (s *Spec) TaskID() TaskId {
	s.requireFinalized("TaskID")
	return s.readID(offTaskID)
}

// ParentTaskID returns the task that submitted this one, or NilID for
// driver submissions. Available at any state.
func (s *Spec) ParentTaskID() TaskId {
	return s.readID(offParentTaskID)
}

// ParentCounter returns this submission's ordinal within its parent.
func (s *Spec) ParentCounter() int64 {
	return s.readI64(offParentCounter)
}

func (s *Spec) ActorID() ActorId {
	s.requireFinalized("ActorID")
	return s.readID(offActorID)
}

func (s *Spec) ActorCounter() int64 {
	s.requireFinalized("ActorCounter")
	return s.readI64(offActorCounter)
}

func (s *Spec) FunctionID() FunctionId {
	s.requireFinalized("FunctionID")
	return s.readID(offFunctionID)
}

func (s *Spec) NumArgs() int64 {
	return s.readI64(offNumArgs)
}

func (s *Spec) NumReturns() int64 {
	return s.readI64(offNumReturns)
}

// ArgIndex is the construction cursor; equals NumArgs once complete.
func (s *Spec) ArgIndex() int64 {
	return s.readI64(offArgIndex)
}

func (s *Spec) checkArgRange(op string, i int64) {
	if i < 0 || i >= s.readI64(offNumArgs) {
		fail("%s: arg index %d out of range [0,%d)", op, i, s.readI64(offNumArgs))
	}
}

// ArgType reports whether slot i is ByRef or ByVal.
func (s *Spec) ArgType(i int64) Tag {
	s.checkArgRange("ArgType", i)
	return s.slotTag(i)
}

// ArgID returns the referenced object ID for a ByRef argument slot.
func (s *Spec) ArgID(i int64) ObjectId {
	s.requireFinalized("ArgID")
	s.checkArgRange("ArgID", i)
	if tag := s.slotTag(i); tag != ArgByRef {
		fail("ArgID: slot %d is %s, not ByRef", i, tag)
	}
	return s.slotID(i)
}

// ArgVal returns the inline bytes backing a ByVal argument slot.
func (s *Spec) ArgVal(i int64) []byte {
	s.checkArgRange("ArgVal", i)
	if tag := s.slotTag(i); tag != ArgByVal {
		fail("ArgVal: slot %d is %s, not ByVal", i, tag)
	}
	offset, length := s.slotValue(i)
	base := s.valueBase()
	return s.blob[base+offset : base+offset+length]
}

// ArgLength returns the byte length of a ByVal argument slot.
func (s *Spec) ArgLength(i int64) int64 {
	s.checkArgRange("ArgLength", i)
	if tag := s.slotTag(i); tag != ArgByVal {
		fail("ArgLength: slot %d is %s, not ByVal", i, tag)
	}
	_, length := s.slotValue(i)
	return length
}

// ReturnID returns the derived object ID for return slot i.
func (s *Spec) ReturnID(i int64) ObjectId {
	s.requireFinalized("ReturnID")
	numReturns := s.readI64(offNumReturns)
	if i < 0 || i >= numReturns {
		fail("ReturnID: return index %d out of range [0,%d)", i, numReturns)
	}
	numArgs := s.readI64(offNumArgs)
	slot := numArgs + i
	if tag := s.slotTag(slot); tag != ArgByRef {
		fail("ReturnID: return slot %d is %s, not ByRef", i, tag)
	}
	return s.slotID(slot)
}

// --- slot and raw-field accessors ---

func (s *Spec) valueBase() int64 {
	numArgs := s.readI64(offNumArgs)
	numReturns := s.readI64(offNumReturns)
	return int64(HeaderSize) + (numArgs+numReturns)*ArgSlotSize
}

func (s *Spec) slotOffset(i int64) int64 {
	return int64(HeaderSize) + i*ArgSlotSize
}

func (s *Spec) slotTag(i int64) Tag {
	return Tag(s.blob[s.slotOffset(i)])
}

func (s *Spec) setSlotTag(i int64, tag Tag) {
	s.blob[s.slotOffset(i)] = byte(tag)
}

func (s *Spec) slotID(i int64) ids.UniqueId {
	off := s.slotOffset(i) + argSlotTagSize
	var id ids.UniqueId
	copy(id[:], s.blob[off:off+ids.Size])
	return id
}

func (s *Spec) setSlotID(i int64, id ids.UniqueId) {
	off := s.slotOffset(i) + argSlotTagSize
	copy(s.blob[off:off+ids.Size], id[:])
}

func (s *Spec) slotValue(i int64) (offset, length int64) {
	off := s.slotOffset(i) + argSlotTagSize
	offset = int64(binary.LittleEndian.Uint64(s.blob[off : off+8]))
	length = int64(binary.LittleEndian.Uint64(s.blob[off+8 : off+16]))
	return
}

func (s *Spec) setSlotValue(i int64, offset, length int64) {
	off := s.slotOffset(i) + argSlotTagSize
	binary.LittleEndian.PutUint64(s.blob[off:off+8], uint64(offset))
	binary.LittleEndian.PutUint64(s.blob[off+8:off+16], uint64(length))
}

func (s *Spec) readID(off int) ids.UniqueId {
	var id ids.UniqueId
	copy(id[:], s.blob[off:off+ids.Size])
	return id
}

func (s *Spec) writeID(off int, id ids.UniqueId) {
	copy(s.blob[off:off+ids.Size], id[:])
}

func (s *Spec) readI64(off int) int64 {
	return int64(binary.LittleEndian.Uint64(s.blob[off : off+8]))
}

func (s *Spec) writeI64(off int, v int64) {
	binary.LittleEndian.PutUint64(s.blob[off:off+8], uint64(v))
}

func (s *Spec) readF64(off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(s.blob[off : off+8]))
}

func (s *Spec) writeF64(off int, v float64) {
	binary.LittleEndian.PutUint64(s.blob[off:off+8], math.Float64bits(v))
}
