// Package findex implements an encrypted, concurrent, multi-writer inverted
// index over an untrusted word-addressable memory.
//
// The construction is layered. A [memory.Memory] provides atomic multi-read
// and a guarded write (compare-and-swap carrying a batch). [EncryptionLayer]
// wraps any such memory, permuting addresses and encrypting words so the
// backend only ever sees pseudorandom 16-byte tokens bound to opaque
// ciphertexts. [Vector] builds a lock-free append-only log on the guarded
// write. [Findex] maps keywords to vectors and drives a user-supplied [Codec]
// that packs insert/delete operations into fixed-size words.
//
// Multiple clients sharing the master seed may insert, delete and search
// concurrently against the same backend; no coordination beyond the memory's
// own compare-and-swap is required.
package findex

import (
	"context"
	"encoding/binary"

	"github.com/dchest/siphash"

	"github.com/keyfold/findex/pkg/memory"
)

// Op tags a codec operation.
type Op uint8

const (
	// OpInsert adds values to a keyword's set.
	OpInsert Op = iota

	// OpDelete removes values from a keyword's set.
	OpDelete
)

// A Codec packs operations on value sets into fixed-size words and folds
// word sequences back into sets.
//
// Encode must be total over (Op, set) and emit words of exactly the
// configured word length. Decode interprets words in order, applying inserts
// and deletes to an accumulator set; it must accept any concatenation of
// Encode outputs. Implementations must be safe for concurrent use.
type Codec[Value comparable] interface {
	Encode(op Op, values map[Value]struct{}) ([][]byte, error)
	Decode(words [][]byte) (map[Value]struct{}, error)
}

// Keyword-address derivation keys. The two SipHash instances act as two
// independently salted 64-bit hashes; collision resistance is all that is
// required of them, since addresses are permuted by the encryption layer
// before they leave the client.
const (
	addrHashKey0a = 0x8c4bfbbf4fb74405
	addrHashKey0b = 0x4f5c7d9a31f6c1a3
	addrHashKey1a = 0xd6e2f6b05589077f
	addrHashKey1b = 0x2d1a96cc29e7b5c1
)

// Findex is an index handle. It is stateless apart from its configuration:
// all index state lives in the memory, so handles are cheap and any number
// of them (across clients and machines) may operate on one index.
type Findex[Value comparable] struct {
	mem        memory.Memory
	codec      Codec[Value]
	wordLen    int
	maxRetries int
}

// Option configures a [Findex] handle.
type Option func(*config)

type config struct {
	maxRetries int
}

// WithMaxRetries bounds the compare-and-swap retry loop of every push issued
// through this handle. Exhausting the budget surfaces [ErrContention]. The
// default (0) retries forever.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs an index handle over the given memory, which is typically an
// [EncryptionLayer] but may be any [memory.Memory] (e.g. a bare backend in
// tests). wordLen is the memory's word size W; the codec must emit words of
// exactly that size.
func New[Value comparable](mem memory.Memory, wordLen int, codec Codec[Value], opts ...Option) *Findex[Value] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Findex[Value]{
		mem:        mem,
		codec:      codec,
		wordLen:    wordLen,
		maxRetries: cfg.maxRetries,
	}
}

// Insert adds the given values to the keyword's set.
//
// The operation either commits fully or returns an error; it never commits a
// prefix of the encoded words.
func (f *Findex[Value]) Insert(ctx context.Context, keyword string, values ...Value) error {
	return f.push(ctx, OpInsert, keyword, values)
}

// Delete removes the given values from the keyword's set.
func (f *Findex[Value]) Delete(ctx context.Context, keyword string, values ...Value) error {
	return f.push(ctx, OpDelete, keyword, values)
}

// Search returns the set of values currently inserted and not deleted for the
// keyword, per the codec's fold. Searching a keyword that was never written
// returns an empty set.
func (f *Findex[Value]) Search(ctx context.Context, keyword string) (map[Value]struct{}, error) {
	words, err := f.vector(keyword).Read(ctx)
	if err != nil {
		return nil, err
	}

	values, err := f.codec.Decode(words)
	if err != nil {
		return nil, &ConversionError{Err: err}
	}

	return values, nil
}

func (f *Findex[Value]) push(ctx context.Context, op Op, keyword string, values []Value) error {
	if len(values) == 0 {
		return nil
	}

	set := make(map[Value]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}

	words, err := f.codec.Encode(op, set)
	if err != nil {
		return &ConversionError{Err: err}
	}

	return f.vector(keyword).Push(ctx, words)
}

func (f *Findex[Value]) vector(keyword string) *Vector {
	return NewVector(hashKeyword(keyword), f.wordLen, f.mem, f.maxRetries)
}

// hashKeyword derives a vector base address by hashing the keyword under two
// independent keys and concatenating the 64-bit digests.
func hashKeyword(keyword string) memory.Address {
	kw := []byte(keyword)

	var a memory.Address

	binary.BigEndian.PutUint64(a[:8], siphash.Hash(addrHashKey0a, addrHashKey0b, kw))
	binary.BigEndian.PutUint64(a[8:], siphash.Hash(addrHashKey1a, addrHashKey1b, kw))

	return a
}
