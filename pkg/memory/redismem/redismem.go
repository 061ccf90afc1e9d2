// Package redismem implements the guarded-write memory contract over Redis.
//
// Batch reads map to MGET, which is atomic in Redis. The guarded write runs
// as a server-side Lua script: Redis executes scripts without interleaving
// other commands, which gives the guard check and the binding batch the
// required linearizability for free.
package redismem

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/findex/pkg/memory"
)

// Arguments passed to the script, in order:
//  1. guard address
//  2. guard word ("false" when the guard expects an unbound address, since
//     GET of a missing key yields false and tostring(false) == "false")
//  3. number of bindings
//  4. binding pairs (address, word), flattened
const guardedWriteScript = `
local guard_address = ARGV[1]
local guard_word    = ARGV[2]
local length        = ARGV[3]
local current_word  = redis.call('GET', guard_address)

if guard_word == tostring(current_word) then
    for i = 4, (length * 2) + 3, 2
    do
        redis.call('SET', ARGV[i], ARGV[i + 1])
    end
end
return current_word
`

// unboundSentinel is what tostring() turns a missing GET into. Words are at
// least 16 bytes, so no stored word can collide with it.
const unboundSentinel = "false"

// Memory is a [memory.Memory] backed by a Redis server.
//
// Safe for concurrent use; the client handles its own connection pooling.
type Memory struct {
	client *redis.Client
	script *redis.Script
}

// Open connects to the Redis server at the given URL
// (e.g. "redis://localhost:6379/0") and preloads the guarded-write script.
func Open(ctx context.Context, url string) (*Memory, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	script := redis.NewScript(guardedWriteScript)

	// Best effort: Run falls back to EVAL on NOSCRIPT anyway.
	_ = script.Load(ctx, client).Err()

	return &Memory{client: client, script: script}, nil
}

// BatchRead implements [memory.Memory].
func (s *Memory) BatchRead(ctx context.Context, addresses []memory.Address) ([][]byte, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = string(a[:])
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make([][]byte, len(addresses))

	for i, v := range vals {
		if v == nil {
			continue
		}

		w, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("mget: unexpected reply type %T at %d", v, i)
		}

		out[i] = []byte(w)
	}

	return out, nil
}

// GuardedWrite implements [memory.Memory].
func (s *Memory) GuardedWrite(ctx context.Context, guard memory.Guard, bindings []memory.Binding) ([]byte, error) {
	args := make([]any, 0, 3+2*len(bindings))

	expected := any(unboundSentinel)
	if guard.Expected != nil {
		expected = guard.Expected
	}

	args = append(args, guard.Address[:], expected, len(bindings))
	for _, b := range bindings {
		args = append(args, b.Address[:], b.Word)
	}

	res, err := s.script.Run(ctx, s.client, nil, args...).Result()
	if err != nil {
		// A false return (unbound guard address) surfaces as a nil reply.
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("guarded write script: %w", err)
	}

	cur, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("guarded write script: unexpected reply type %T", res)
	}

	return []byte(cur), nil
}

// Clear flushes the current database. Intended for tests and examples.
func (s *Memory) Clear(ctx context.Context) error {
	err := s.client.FlushDB(ctx).Err()
	if err != nil {
		return fmt.Errorf("flushdb: %w", err)
	}

	return nil
}

// Close releases the underlying client.
func (s *Memory) Close() error {
	return s.client.Close()
}
