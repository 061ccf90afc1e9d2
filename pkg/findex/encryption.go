package findex

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/xts"

	"github.com/keyfold/findex/pkg/memory"
)

// KeyLength is the size in bytes of the master secret. 32-byte keys keep the
// AES primitive post-quantum resistant.
const KeyLength = 32

// Domain-separation tags for the key schedule.
const (
	keyInfoPermute = 0x00
	keyInfoXts1    = 0x01
	keyInfoXts2    = 0x02
)

// EncryptionLayer wraps a [memory.Memory] holding ciphertexts and exposes the
// same interface over plaintext addresses and words.
//
// Addresses are permuted by AES-256 acting as a PRP on the 16-byte address
// space; the permuted address is the token the backend sees. Words are
// encrypted with AES-XTS using the token as tweak material, which binds each
// ciphertext to its address and prevents the server relocating blocks. Both
// transforms are deterministic and length-preserving: repeated queries
// produce identical tokens and ciphertexts, the access-pattern leakage the
// scheme accepts.
//
// The derived keys are owned by the layer and shared read-only across
// operations, so a layer is safe for concurrent use whenever its backend is.
type EncryptionLayer struct {
	prp     cipher.Block
	xts     *xts.Cipher
	wordLen int
	mem     memory.Memory
}

// NewEncryptionLayer derives the working keys from the 32-byte master seed
// and wraps mem.
//
// Three subkeys are derived with HKDF-SHA256 under distinct single-byte info
// tags: one for the address permutation, two for the XTS word cipher. The
// word length must be a multiple of the AES block size (the XTS mode used
// here has no ciphertext stealing) and at least 16 bytes so a header fits.
func NewEncryptionLayer(seed []byte, wordLen int, mem memory.Memory) (*EncryptionLayer, error) {
	if len(seed) != KeyLength {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), KeyLength)
	}

	if wordLen < 16 || wordLen%aes.BlockSize != 0 {
		return nil, fmt.Errorf("word length %d: want a multiple of %d, at least 16", wordLen, aes.BlockSize)
	}

	kp, err := deriveKey(seed, keyInfoPermute)
	if err != nil {
		return nil, err
	}

	ke1, err := deriveKey(seed, keyInfoXts1)
	if err != nil {
		return nil, err
	}

	ke2, err := deriveKey(seed, keyInfoXts2)
	if err != nil {
		return nil, err
	}

	prp, err := aes.NewCipher(kp)
	if err != nil {
		return nil, fmt.Errorf("address permutation key: %w", err)
	}

	wordCipher, err := xts.NewCipher(aes.NewCipher, append(ke1, ke2...))
	if err != nil {
		return nil, fmt.Errorf("word cipher keys: %w", err)
	}

	return &EncryptionLayer{prp: prp, xts: wordCipher, wordLen: wordLen, mem: mem}, nil
}

// WordLength reports the configured plaintext word size.
func (l *EncryptionLayer) WordLength() int {
	return l.wordLen
}

// BatchRead implements [memory.Memory] over plaintext addresses and words.
func (l *EncryptionLayer) BatchRead(ctx context.Context, addresses []memory.Address) ([][]byte, error) {
	tokens := make([]memory.Address, len(addresses))
	for i, a := range addresses {
		tokens[i] = l.permute(a)
	}

	ctxs, err := l.mem.BatchRead(ctx, tokens)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(ctxs))

	for i, c := range ctxs {
		if c == nil {
			continue
		}

		out[i], err = l.decrypt(c, tokens[i])
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// GuardedWrite implements [memory.Memory] over plaintext addresses and words.
func (l *EncryptionLayer) GuardedWrite(ctx context.Context, guard memory.Guard, bindings []memory.Binding) ([]byte, error) {
	tok := l.permute(guard.Address)

	var expected []byte

	if guard.Expected != nil {
		var err error

		expected, err = l.encrypt(guard.Expected, tok)
		if err != nil {
			return nil, err
		}
	}

	sealed := make([]memory.Binding, len(bindings))

	for i, b := range bindings {
		bTok := l.permute(b.Address)

		c, err := l.encrypt(b.Word, bTok)
		if err != nil {
			return nil, err
		}

		sealed[i] = memory.Binding{Address: bTok, Word: c}
	}

	cur, err := l.mem.GuardedWrite(ctx, memory.Guard{Address: tok, Expected: expected}, sealed)
	if err != nil {
		return nil, err
	}

	if cur == nil {
		return nil, nil
	}

	return l.decrypt(cur, tok)
}

// permute maps a plaintext address to the token the backend sees. AES is a
// permutation of the 128-bit block space, so distinct addresses always map to
// distinct tokens.
func (l *EncryptionLayer) permute(a memory.Address) memory.Address {
	var tok memory.Address
	l.prp.Encrypt(tok[:], a[:])

	return tok
}

func (l *EncryptionLayer) encrypt(word []byte, tok memory.Address) ([]byte, error) {
	if len(word) != l.wordLen {
		return nil, fmt.Errorf("encrypt: word is %d bytes, want %d", len(word), l.wordLen)
	}

	out := make([]byte, len(word))
	l.xts.Encrypt(out, word, tweak(tok))

	return out, nil
}

func (l *EncryptionLayer) decrypt(ctext []byte, tok memory.Address) ([]byte, error) {
	if len(ctext) != l.wordLen {
		return nil, fmt.Errorf("decrypt: ciphertext at token %x is %d bytes, want %d", tok, len(ctext), l.wordLen)
	}

	out := make([]byte, len(ctext))
	l.xts.Decrypt(out, ctext, tweak(tok))

	return out, nil
}

// tweak folds a token into the cipher's sector number (aes-xts-plain64
// style). Tokens are AES outputs, so the leading 8 bytes are already
// uniformly distributed.
func tweak(tok memory.Address) uint64 {
	return binary.BigEndian.Uint64(tok[:8])
}

func deriveKey(seed []byte, info byte) ([]byte, error) {
	k := make([]byte, KeyLength)

	_, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte{info}), k)
	if err != nil {
		return nil, fmt.Errorf("derive key %#x: %w", info, err)
	}

	return k, nil
}
