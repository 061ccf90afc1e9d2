package findex

import (
	"errors"
	"fmt"

	"github.com/keyfold/findex/pkg/memory"
)

// ErrContention indicates a push lost its compare-and-swap more times than
// the configured retry budget allows. The operation left the index unchanged
// and may be retried.
var ErrContention = errors.New("vector contention: retry budget exhausted")

// ErrShortHeader indicates a word too short to carry a vector header.
var ErrShortHeader = errors.New("word too short for header")

// ErrVectorFull indicates a push would grow a vector past its 2^64-slot
// address range.
var ErrVectorFull = errors.New("vector slot counter would overflow")

// ErrCorruptedCache is reserved for optional client-side caches layered over
// a memory. Nothing in this module raises it.
var ErrCorruptedCache = errors.New("corrupted memory cache")

// A MissingValueError reports an unbound data slot inside a vector's
// committed range. It signals a torn or corrupted vector: a correct writer
// never publishes a counter pointing past unwritten slots.
type MissingValueError struct {
	// Address is the vector's base address.
	Address memory.Address

	// Offset is the unbound slot's offset from the base, in words.
	Offset uint64
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing value: vector %x has no word at offset %d", e.Address, e.Offset)
}

// A ConversionError wraps an error returned by a user-supplied [Codec].
type ConversionError struct {
	Err error
}

func (e *ConversionError) Error() string {
	return "codec: " + e.Err.Error()
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
