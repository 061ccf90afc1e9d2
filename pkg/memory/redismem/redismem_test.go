package redismem_test

import (
	"os"
	"testing"

	"github.com/keyfold/findex/pkg/memory/memtest"
	"github.com/keyfold/findex/pkg/memory/redismem"
)

// openTestMemory connects to the server named by FINDEX_REDIS_URL and flushes
// it. The suite is skipped when no server is configured, mirroring how the
// sqlite suite always runs but a shared external service is opt-in.
func openTestMemory(t *testing.T) *redismem.Memory {
	t.Helper()

	url := os.Getenv("FINDEX_REDIS_URL")
	if url == "" {
		t.Skip("FINDEX_REDIS_URL not set")
	}

	m, err := redismem.Open(t.Context(), url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	err = m.Clear(t.Context())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}

	return m
}

func Test_Redis_Passes_Memory_Contract(t *testing.T) {
	memtest.Run(t, openTestMemory(t))
}

func Test_Open_Returns_Error_When_URL_Invalid(t *testing.T) {
	t.Parallel()

	_, err := redismem.Open(t.Context(), "not-a-redis-url")
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}
