// Package memtest provides the contract tests that every [memory.Memory]
// implementation must pass.
//
// Backends in this repository run the whole suite; out-of-tree backends are
// encouraged to do the same:
//
//	func Test_Contract(t *testing.T) {
//		m := open(t)
//		memtest.Run(t, m)
//	}
//
// All addresses are drawn from a random generator seeded from the test's
// name, so the cases of one suite do not collide with each other and a
// failing run is reproduced by rerunning the same test. Repeated runs draw
// the same addresses, so a shared database must be cleared between runs.
package memtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/keyfold/findex/pkg/memory"
)

// wordLength is the word size used by the suite. Contract words carry a
// 16-byte payload, the minimum any conforming configuration supports.
const wordLength = 16

// Run exercises the full contract against m.
//
// The concurrent case spawns goroutines that share m, so m must be safe for
// concurrent use (as the [memory.Memory] contract requires).
func Run(t *testing.T, m memory.Memory) {
	t.Helper()

	t.Run("read_write", func(t *testing.T) { ReadWrite(t, m) })
	t.Run("wrong_guard", func(t *testing.T) { WrongGuard(t, m) })
	t.Run("same_address", func(t *testing.T) { SameAddress(t, m) })
	t.Run("concurrent_counter", func(t *testing.T) { ConcurrentCounter(t, m, 100, 10) })
}

// ReadWrite checks that unbound addresses read as nil, and that a guarded
// write with a nil guard binds a word that reads back verbatim.
func ReadWrite(t *testing.T, m memory.Memory) {
	t.Helper()

	ctx := context.Background()
	rng := newRng(t)

	got, err := m.BatchRead(ctx, []memory.Address{randAddress(rng), randAddress(rng), randAddress(rng)})
	if err != nil {
		t.Fatalf("batch read of unbound addresses: %v", err)
	}

	for i, w := range got {
		if w != nil {
			t.Fatalf("unbound address %d read as %x, want nil", i, w)
		}
	}

	a := randAddress(rng)
	w := randWord(rng)

	cur, err := m.GuardedWrite(ctx, memory.Guard{Address: a}, []memory.Binding{{Address: a, Word: w}})
	if err != nil {
		t.Fatalf("guarded write: %v", err)
	}

	if cur != nil {
		t.Fatalf("guard pre-image = %x, want nil", cur)
	}

	got, err = m.BatchRead(ctx, []memory.Address{a})
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}

	if !bytes.Equal(got[0], w) {
		t.Fatalf("read back %x, want %x", got[0], w)
	}
}

// WrongGuard checks that a failed guard leaves the memory untouched and
// returns the current word.
func WrongGuard(t *testing.T, m memory.Memory) {
	t.Helper()

	ctx := context.Background()
	rng := newRng(t)

	a := randAddress(rng)
	w := randWord(rng)

	_, err := m.GuardedWrite(ctx, memory.Guard{Address: a}, []memory.Binding{{Address: a, Word: w}})
	if err != nil {
		t.Fatalf("initial write: %v", err)
	}

	// A nil guard no longer matches: the address is now bound.
	cur, err := m.GuardedWrite(ctx, memory.Guard{Address: a}, []memory.Binding{{Address: a, Word: randWord(rng)}})
	if err != nil {
		t.Fatalf("conflicting write: %v", err)
	}

	if !bytes.Equal(cur, w) {
		t.Fatalf("conflicting write observed %x, want %x", cur, w)
	}

	got, err := m.BatchRead(ctx, []memory.Address{a})
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}

	if !bytes.Equal(got[0], w) {
		t.Fatalf("guard violation overwrote word: got %x, want %x", got[0], w)
	}
}

// SameAddress checks duplicate-address semantics: repeated reads of one
// address are identical, and duplicate bindings resolve to the last
// occurrence.
func SameAddress(t *testing.T, m memory.Memory) {
	t.Helper()

	const repetition = 5

	ctx := context.Background()
	rng := newRng(t)

	a := randAddress(rng)
	w := randWord(rng)

	_, err := m.GuardedWrite(ctx, memory.Guard{Address: a}, []memory.Binding{{Address: a, Word: w}})
	if err != nil {
		t.Fatalf("initial write: %v", err)
	}

	addresses := make([]memory.Address, repetition)
	for i := range addresses {
		addresses[i] = a
	}

	got, err := m.BatchRead(ctx, addresses)
	if err != nil {
		t.Fatalf("repeated batch read: %v", err)
	}

	for i, g := range got {
		if !bytes.Equal(g, w) {
			t.Fatalf("repeated read %d = %x, want %x", i, g, w)
		}
	}

	// Multiple bindings to one address under a passing guard: last wins.
	words := make([][]byte, repetition)
	bindings := make([]memory.Binding, repetition)

	for i := range words {
		words[i] = randWord(rng)
		bindings[i] = memory.Binding{Address: a, Word: words[i]}
	}

	cur, err := m.GuardedWrite(ctx, memory.Guard{Address: a, Expected: w}, bindings)
	if err != nil {
		t.Fatalf("duplicate-binding write: %v", err)
	}

	if !bytes.Equal(cur, w) {
		t.Fatalf("duplicate-binding write observed %x, want %x", cur, w)
	}

	got, err = m.BatchRead(ctx, []memory.Address{a})
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}

	if !bytes.Equal(got[0], words[repetition-1]) {
		t.Fatalf("duplicate bindings resolved to %x, want last occurrence %x", got[0], words[repetition-1])
	}
}

// ConcurrentCounter runs workers * increments CAS increments of a single
// shared counter and checks that none is lost.
func ConcurrentCounter(t *testing.T, m memory.Memory, workers, increments int) {
	t.Helper()

	ctx := context.Background()
	a := randAddress(newRng(t))

	var wg sync.WaitGroup

	errs := make(chan error, workers)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- incrementCounter(ctx, m, a, increments)
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("counter worker: %v", err)
		}
	}

	got, err := m.BatchRead(ctx, []memory.Address{a})
	if err != nil {
		t.Fatalf("final read: %v", err)
	}

	want := uint64(workers) * uint64(increments)
	if got[0] == nil || counterValue(got[0]) != want {
		t.Fatalf("final counter = %v, want %d", got[0], want)
	}
}

// incrementCounter performs n CAS increments of the counter word at a,
// retrying on contention from its locally observed value.
func incrementCounter(ctx context.Context, m memory.Memory, a memory.Address, n int) error {
	var cnt uint64

	for range n {
		for {
			var guard []byte
			if cnt > 0 {
				guard = counterWord(cnt)
			}

			cur, err := m.GuardedWrite(ctx,
				memory.Guard{Address: a, Expected: guard},
				[]memory.Binding{{Address: a, Word: counterWord(cnt + 1)}})
			if err != nil {
				return err
			}

			observed := uint64(0)
			if cur != nil {
				observed = counterValue(cur)
			}

			if observed == cnt {
				cnt++

				break
			}

			cnt = observed
		}
	}

	return nil
}

func counterWord(v uint64) []byte {
	w := make([]byte, wordLength)
	binary.BigEndian.PutUint64(w, v)

	return w
}

func counterValue(w []byte) uint64 {
	return binary.BigEndian.Uint64(w)
}

// newRng seeds a generator from the test name so distinct tests use distinct
// address ranges while remaining reproducible.
func newRng(t *testing.T) *rand.Rand {
	t.Helper()

	seed := sha256.Sum256([]byte(t.Name()))

	return rand.New(rand.NewChaCha8(seed))
}

func randAddress(rng *rand.Rand) memory.Address {
	var a memory.Address
	fillRand(rng, a[:])

	return a
}

func randWord(rng *rand.Rand) []byte {
	w := make([]byte, wordLength)
	fillRand(rng, w)

	return w
}

func fillRand(rng *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
}
