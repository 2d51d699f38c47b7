package taskspec

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/khryptorgraphics/taskmesh/pkg/ids"
)

func hID(b byte) ids.UniqueId {
	var id ids.UniqueId
	for i := range id {
		id[i] = b
	}
	return id
}

var (
	h1 = hID(1)
	h2 = hID(2)
	h3 = hID(3)
	h7 = hID(7)
	h9 = hID(9)
)

func TestMinimalTask(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 0, 1, 0)
	s.Finish()

	if ids.IsNil(s.TaskID()) {
		t.Fatalf("task_id must not be nil after Finish")
	}
	want := DeriveReturnID(s.TaskID(), 0)
	if s.ReturnID(0) != want {
		t.Fatalf("return_id(0) = %x, want %x", s.ReturnID(0), want)
	}
	if s.Size() != int64(HeaderSize)+1*ArgSlotSize {
		t.Fatalf("spec_size = %d, want %d", s.Size(), int64(HeaderSize)+ArgSlotSize)
	}
}

func TestByRefArg(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 1, 0)
	s.AddArgByRef(h7)
	s.Finish()

	if s.ArgType(0) != ArgByRef {
		t.Fatalf("arg_type(0) = %v, want ByRef", s.ArgType(0))
	}
	if s.ArgID(0) != h7 {
		t.Fatalf("arg_id(0) = %x, want %x", s.ArgID(0), h7)
	}
}

func TestByValArg(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 5)
	s.AddArgByVal([]byte("hello"))
	s.Finish()

	if got := s.ArgVal(0); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("arg_val(0) = %q, want %q", got, "hello")
	}
	if s.ArgLength(0) != 5 {
		t.Fatalf("arg_length(0) = %d, want 5", s.ArgLength(0))
	}
}

// Identical construction order must yield identical task IDs.
func TestDeterminism(t *testing.T) {
	build := func() TaskId {
		s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 1, 0)
		s.AddArgByRef(h7)
		s.Finish()
		return s.TaskID()
	}
	if build() != build() {
		t.Fatalf("identical construction produced different task IDs")
	}
}

// Changing parent_counter alone must change the task ID.
func TestMutationSensitivity(t *testing.T) {
	s1 := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 1, 0)
	s1.AddArgByRef(h7)
	s1.Finish()

	s2 := Begin(h1, h2, 1, ids.NilID, 0, h3, 1, 1, 0)
	s2.AddArgByRef(h7)
	s2.Finish()

	if s1.TaskID() == s2.TaskID() {
		t.Fatalf("changing parent_counter did not change task_id")
	}
}

// Put IDs, return IDs, and the task ID itself never collide.
func TestPutIDDisjointness(t *testing.T) {
	ret0 := DeriveReturnID(h9, 0)
	put0 := DerivePutID(h9, 0)
	if ret0 == put0 {
		t.Fatalf("return_id(0) == put_id(0), expected disjoint derivations")
	}
	if ret0 == h9 {
		t.Fatalf("return_id(0) == task_id, expected the +1 offset to avoid this")
	}
	if put0 == h9 {
		t.Fatalf("put_id(0) == task_id, expected the -1 offset to avoid this")
	}
}

// task_id must equal the truncated SHA-256 of the spec's own bytes,
// taken with task_id and every return slot zeroed. Recomputed here
// with the standard library to stay independent of the
// implementation's hash backend.
func TestTaskIDIsContentHash(t *testing.T) {
	s := Begin(h1, h2, 4, ids.NilID, 0, h3, 1, 2, 5)
	s.AddArgByVal([]byte("hello"))
	s.Finish()

	blob := append([]byte(nil), s.Bytes()...)
	for i := 0; i < ids.Size; i++ {
		blob[offTaskID+i] = 0
	}
	numArgs := s.NumArgs()
	for r := int64(0); r < s.NumReturns(); r++ {
		off := HeaderSize + int(numArgs+r)*ArgSlotSize + argSlotTagSize
		for i := 0; i < ids.Size; i++ {
			blob[off+i] = 0
		}
	}

	sum := sha256.Sum256(blob)
	var want TaskId
	copy(want[:], sum[:ids.Size])
	if s.TaskID() != want {
		t.Fatalf("task_id = %x, want truncated sha256 %x", s.TaskID(), want)
	}
}

func TestDeriveReturnIDInjectiveOverIndex(t *testing.T) {
	for i := int64(0); i < 8; i++ {
		for j := i + 1; j < 8; j++ {
			if DeriveReturnID(h9, i) == DeriveReturnID(h9, j) {
				t.Fatalf("return_id(%d) == return_id(%d) for same task", i, j)
			}
		}
	}
}

func TestFinishRequiresCompleteConstruction(t *testing.T) {
	t.Run("missing args", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic when arg_index != num_args")
			}
		}()
		s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 0)
		s.Finish()
	})

	t.Run("missing inline bytes", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic when args_value_offset != args_value_size")
			}
		}()
		s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 5)
		s.AddArgByVal([]byte("hi"))
		s.Finish()
	})

	t.Run("complete", func(t *testing.T) {
		s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 5)
		s.AddArgByVal([]byte("hello"))
		s.Finish() // must not panic
		if ids.IsNil(s.TaskID()) {
			t.Fatalf("expected a finalized task ID")
		}
	})
}

func TestAccessorsPanicBeforeFinalize(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 0, 0, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic reading TaskID before Finish")
		}
	}()
	_ = s.TaskID()
}

func TestMutatorsPanicAfterFinalize(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 0)
	s.AddArgByRef(h7)
	s.Finish()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic mutating a finalized spec")
		}
	}()
	s.AddArgByRef(h7)
}

func TestArgOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on value-region overflow")
		}
	}()
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 0, 2)
	s.AddArgByVal([]byte("too long"))
}

func TestRequiredResources(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 0, 0, 0)
	s.SetRequiredResource(ResourceCPU, 2)
	s.SetRequiredResource(ResourceGPU, 1)
	if s.RequiredResource(ResourceCPU) != 2 {
		t.Fatalf("cpu resource not persisted")
	}
	if s.RequiredResource(ResourceGPU) != 1 {
		t.Fatalf("gpu resource not persisted")
	}
	if s.RequiredResource(ResourceMemory) != 0 {
		t.Fatalf("unset resource should default to 0")
	}
}

func TestRoundTrip(t *testing.T) {
	s := Begin(h1, h2, 3, ids.NilID, 0, h3, 1, 1, 5)
	s.AddArgByVal([]byte("hello"))
	s.Finish()

	reread := Parse(append([]byte(nil), s.Bytes()...))
	if reread.Size() != s.Size() {
		t.Fatalf("spec_size mismatch after round trip")
	}
	if reread.TaskID() != s.TaskID() {
		t.Fatalf("task_id mismatch after round trip")
	}
	if !bytes.Equal(reread.ArgVal(0), s.ArgVal(0)) {
		t.Fatalf("arg_val mismatch after round trip")
	}
	if reread.ReturnID(0) != s.ReturnID(0) {
		t.Fatalf("return_id mismatch after round trip")
	}
}

func TestPrintFormat(t *testing.T) {
	s := Begin(h1, h2, 0, ids.NilID, 0, h3, 1, 1, 0)
	s.AddArgByRef(h7)
	s.Finish()

	out := Sprint(s)
	if !bytes.Contains([]byte(out), []byte("fun "+h3.Hex())) {
		t.Fatalf("print output missing function id: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("id:0 "+h7.Hex())) {
		t.Fatalf("print output missing arg id: %q", out)
	}
}
