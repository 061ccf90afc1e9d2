package memory_test

import (
	"testing"

	"github.com/keyfold/findex/pkg/memory"
)

func Test_Add_Increments_Low_Bytes_BigEndian(t *testing.T) {
	t.Parallel()

	var a memory.Address

	got := a.Add(1)

	want := memory.Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	if got != want {
		t.Fatalf("Add(1) = %x, want %x", got, want)
	}

	got = a.Add(0x0102)

	want = memory.Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2}
	if got != want {
		t.Fatalf("Add(0x0102) = %x, want %x", got, want)
	}
}

func Test_Add_Carries_Within_Low_Eight_Bytes(t *testing.T) {
	t.Parallel()

	a := memory.Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF}

	got := a.Add(1)

	want := memory.Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	if got != want {
		t.Fatalf("carry = %x, want %x", got, want)
	}
}

func Test_Add_Leaves_High_Bytes_Untouched(t *testing.T) {
	t.Parallel()

	a := memory.Address{
		0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	}

	// The low 8-byte counter wraps; the keyword-derived high half is stable.
	got := a.Add(1)

	want := memory.Address{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0, 0, 0, 0, 0}
	if got != want {
		t.Fatalf("wrap = %x, want %x", got, want)
	}
}

func Test_Add_Is_Usable_As_Map_Key_Derivation(t *testing.T) {
	t.Parallel()

	base := memory.Address{9, 9, 9, 9}
	seen := make(map[memory.Address]struct{})

	for i := range uint64(100) {
		seen[base.Add(i)] = struct{}{}
	}

	if len(seen) != 100 {
		t.Fatalf("derived %d distinct addresses, want 100", len(seen))
	}
}
