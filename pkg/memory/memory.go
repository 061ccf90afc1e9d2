// Package memory defines the word-addressable, guarded-write store that the
// index layers are built on, together with an in-memory implementation.
//
// A memory binds fixed-size words to 16-byte addresses. It exposes exactly two
// operations: an atomic multi-read, and a compare-and-swap over a single
// address that, on success, also applies an arbitrary batch of writes
// atomically. Everything above this package (encryption, vectors, the index)
// is expressed in terms of these two operations; everything below it (SQLite,
// Redis, a map) only has to honor their contract.
package memory

import (
	"context"
	"encoding/binary"
)

// AddressLength is the size in bytes of a memory address. 16-byte addresses
// give 128-bit collision resistance on the address space, which poses
// virtually no limitation on the index.
const AddressLength = 16

// An Address identifies one word slot in a memory. Addresses are compared by
// value and are usable as map keys.
type Address [AddressLength]byte

// Add returns the address offset by n slots.
//
// The low 8 bytes are treated as a big-endian counter; the high 8 bytes are
// untouched. The counter wraps at 2^64, so a single chain may not span more
// than 2^64 slots. Callers allocating slots must enforce that bound.
func (a Address) Add(n uint64) Address {
	binary.BigEndian.PutUint64(a[8:], binary.BigEndian.Uint64(a[8:])+n)

	return a
}

// A Binding associates a word with an address.
type Binding struct {
	Address Address
	Word    []byte
}

// A Guard is the compare half of a guarded write: the write applies only if
// the word currently bound at Address equals Expected byte for byte. A nil
// Expected means the address must be unbound.
type Guard struct {
	Address  Address
	Expected []byte
}

// Memory is a word-addressable store with atomic multi-read and a single-slot
// compare-and-swap carrying a batch of writes.
//
// Implementations must be safe for concurrent use. Guarded writes to the same
// guard address serialize; operations on disjoint addresses may interleave
// freely.
type Memory interface {
	// BatchRead returns the words currently bound at the given addresses,
	// in input order. The i-th entry is nil if the i-th address is unbound.
	// Duplicate addresses yield identical entries.
	BatchRead(ctx context.Context, addresses []Address) ([][]byte, error)

	// GuardedWrite atomically reads the word bound at guard.Address and, if
	// it equals guard.Expected, applies all bindings. It returns the word
	// observed at the guard address (nil if unbound) whether or not the
	// write applied: a guard mismatch is an ordinary outcome, not an error.
	//
	// If bindings repeat an address, the last occurrence wins. A binding at
	// the guard address itself is applied (the returned word is the
	// pre-image). Empty bindings degenerate to a read of the guard address.
	GuardedWrite(ctx context.Context, guard Guard, bindings []Binding) ([]byte, error)
}
