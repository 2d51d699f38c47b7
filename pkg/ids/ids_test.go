package ids

import (
	"bytes"
	"strings"
	"testing"
)

func idOf(b byte) UniqueId {
	var id UniqueId
	for i := range id {
		id[i] = b
	}
	return id
}

func TestEqualAndIsNil(t *testing.T) {
	h1 := idOf(1)
	h1b := idOf(1)
	h2 := idOf(2)

	if !Equal(h1, h1b) {
		t.Fatalf("expected equal IDs to compare equal")
	}
	if Equal(h1, h2) {
		t.Fatalf("expected distinct IDs to compare unequal")
	}
	if !IsNil(NilID) {
		t.Fatalf("NilID must be nil")
	}
	if IsNil(h1) {
		t.Fatalf("non-zero ID must not be nil")
	}
}

func TestHex(t *testing.T) {
	id := idOf(0xab)
	want := strings.Repeat("ab", Size)
	if id.Hex() != want {
		t.Fatalf("Hex() = %q, want %q", id.Hex(), want)
	}
	if id.String() != want {
		t.Fatalf("String() = %q, want %q", id.String(), want)
	}
}

func TestAppendHex(t *testing.T) {
	id := idOf(0xff)
	buf := AppendHex(nil, id)
	if len(buf) != 2*Size+1 {
		t.Fatalf("len(buf) = %d, want %d", len(buf), 2*Size+1)
	}
	if buf[len(buf)-1] != 0 {
		t.Fatalf("expected trailing NUL byte")
	}
	if !bytes.Equal(buf[:len(buf)-1], []byte(strings.Repeat("ff", Size))) {
		t.Fatalf("unexpected hex body: %q", buf[:len(buf)-1])
	}
}

func TestFreshIDDeterministicWithInjectedReader(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x42}, Size))
	id := FreshID(src)
	if id != idOf(0x42) {
		t.Fatalf("FreshID did not consume injected reader deterministically")
	}
}

func TestFreshUnique(t *testing.T) {
	a := Fresh()
	b := Fresh()
	if a == b {
		t.Fatalf("two Fresh() calls collided, astronomically unlikely")
	}
}
