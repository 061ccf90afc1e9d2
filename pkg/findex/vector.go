package findex

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/keyfold/findex/pkg/memory"
)

// headerSize is the number of bytes of a word actually used by a vector
// header. The remaining bytes are reserved and must be zero.
const headerSize = 8

// A Vector is an append-only log of words rooted at a base address.
//
// The word at the base address is the header; it holds a big-endian count of
// the data slots bound at base+1..base+cnt, with no gaps. The client side is
// stateless: a Vector is just the base address, the word size and a memory
// handle, so vectors are instantiated lazily and nothing is written before
// the first push.
type Vector struct {
	base       memory.Address
	wordLen    int
	mem        memory.Memory
	maxRetries int
}

// NewVector roots a vector at the given address. maxRetries bounds the push
// CAS loop; zero means retry forever.
func NewVector(base memory.Address, wordLen int, mem memory.Memory, maxRetries int) *Vector {
	return &Vector{base: base, wordLen: wordLen, mem: mem, maxRetries: maxRetries}
}

// Push appends the given words to the vector.
//
// The new header and all new data slots are committed in a single guarded
// write, so a reader never observes a counter pointing past unwritten slots.
// Losing the CAS is not an error: the loop re-reads the counter it lost to
// and rebinds the words at higher offsets. The counter only grows, so no
// committed slot is ever overwritten.
//
// Progress is lock-free, not wait-free: with an unbounded retry budget a
// pathologically contended vector can spin forever. A bounded budget surfaces
// [ErrContention] instead, leaving the vector unchanged by this call.
func (v *Vector) Push(ctx context.Context, words [][]byte) error {
	if len(words) == 0 {
		return nil
	}

	for _, w := range words {
		if len(w) != v.wordLen {
			return fmt.Errorf("push: word is %d bytes, want %d", len(w), v.wordLen)
		}
	}

	var (
		old      uint64
		oldBound bool
	)

	for retries := 0; ; retries++ {
		if v.maxRetries > 0 && retries > v.maxRetries {
			return fmt.Errorf("push to vector %x: %w", v.base, ErrContention)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if old > math.MaxUint64-uint64(len(words)) {
			return fmt.Errorf("push to vector %x: %w", v.base, ErrVectorFull)
		}

		cnt := old + uint64(len(words))

		bindings := make([]memory.Binding, 0, len(words)+1)
		bindings = append(bindings, memory.Binding{Address: v.base, Word: v.encodeHeader(cnt)})

		for i, w := range words {
			bindings = append(bindings, memory.Binding{Address: v.base.Add(old + uint64(i) + 1), Word: w})
		}

		var guard []byte
		if oldBound {
			guard = v.encodeHeader(old)
		}

		cur, err := v.mem.GuardedWrite(ctx, memory.Guard{Address: v.base, Expected: guard}, bindings)
		if err != nil {
			return fmt.Errorf("push to vector %x: %w", v.base, err)
		}

		curBound := cur != nil

		var curCnt uint64

		if curBound {
			curCnt, err = decodeHeader(cur)
			if err != nil {
				return fmt.Errorf("push to vector %x: %w", v.base, err)
			}
		}

		if curBound == oldBound && curCnt == old {
			return nil
		}

		// Contention: another client advanced the counter. Retry on top
		// of the header it published.
		old, oldBound = curCnt, curBound
	}
}

// Read returns the vector's data words in append order.
//
// The read is two-phase to tolerate concurrent pushes: the header is read
// first, then the slots it covers. The result is a prefix of the append
// order as observed between the two phases; pushes committing afterwards are
// not reflected. An unbound slot inside the committed range yields a
// [MissingValueError].
func (v *Vector) Read(ctx context.Context) ([][]byte, error) {
	header, err := v.mem.BatchRead(ctx, []memory.Address{v.base})
	if err != nil {
		return nil, fmt.Errorf("read vector %x: %w", v.base, err)
	}

	if header[0] == nil {
		return nil, nil
	}

	cnt, err := decodeHeader(header[0])
	if err != nil {
		return nil, fmt.Errorf("read vector %x: %w", v.base, err)
	}

	if cnt == 0 {
		return nil, nil
	}

	addresses := make([]memory.Address, cnt)
	for i := range addresses {
		addresses[i] = v.base.Add(uint64(i) + 1)
	}

	words, err := v.mem.BatchRead(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("read vector %x: %w", v.base, err)
	}

	for i, w := range words {
		if w == nil {
			return nil, &MissingValueError{Address: v.base, Offset: uint64(i) + 1}
		}
	}

	return words, nil
}

// encodeHeader lays the counter out big-endian in the first 8 bytes of a
// fresh word; the tail stays zero (reserved).
func (v *Vector) encodeHeader(cnt uint64) []byte {
	w := make([]byte, v.wordLen)
	binary.BigEndian.PutUint64(w, cnt)

	return w
}

// decodeHeader extracts the counter, ignoring the reserved tail.
func decodeHeader(w []byte) (uint64, error) {
	if len(w) < headerSize {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrShortHeader, len(w), headerSize)
	}

	return binary.BigEndian.Uint64(w), nil
}
