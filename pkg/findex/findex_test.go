package findex_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/keyfold/findex/pkg/findex"
	"github.com/keyfold/findex/pkg/memory"
	"github.com/keyfold/findex/pkg/memory/sqlitemem"
)

func openTestIndex(t *testing.T) *findex.Findex[findex.Value8] {
	t.Helper()

	codec, err := findex.NewSimpleCodec(16)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	layer, err := findex.NewEncryptionLayer(testSeed(0x99), 16, memory.NewInMemory())
	if err != nil {
		t.Fatalf("layer: %v", err)
	}

	return findex.New[findex.Value8](layer, 16, codec)
}

func valueSet(vs ...uint64) map[findex.Value8]struct{} {
	set := make(map[findex.Value8]struct{}, len(vs))
	for _, v := range vs {
		set[findex.Uint64Value(v)] = struct{}{}
	}

	return set
}

func Test_Search_Returns_Inserted_Values(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := openTestIndex(t)

	err := idx.Insert(ctx, "cat", findex.Uint64Value(1), findex.Uint64Value(3))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := idx.Search(ctx, "cat")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if diff := cmp.Diff(valueSet(1, 3), got); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}
}

func Test_Delete_Removes_Values(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := openTestIndex(t)

	err := idx.Insert(ctx, "cat", findex.Uint64Value(1), findex.Uint64Value(3))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = idx.Delete(ctx, "cat", findex.Uint64Value(1))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := idx.Search(ctx, "cat")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if diff := cmp.Diff(valueSet(3), got); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}
}

func Test_Keywords_Do_Not_Interfere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := openTestIndex(t)

	err := idx.Insert(ctx, "cat", findex.Uint64Value(1), findex.Uint64Value(3), findex.Uint64Value(5))
	if err != nil {
		t.Fatalf("insert cat: %v", err)
	}

	err = idx.Insert(ctx, "dog", findex.Uint64Value(0), findex.Uint64Value(2), findex.Uint64Value(4))
	if err != nil {
		t.Fatalf("insert dog: %v", err)
	}

	cat, err := idx.Search(ctx, "cat")
	if err != nil {
		t.Fatalf("search cat: %v", err)
	}

	dog, err := idx.Search(ctx, "dog")
	if err != nil {
		t.Fatalf("search dog: %v", err)
	}

	if diff := cmp.Diff(valueSet(1, 3, 5), cat); diff != "" {
		t.Fatalf("cat mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(valueSet(0, 2, 4), dog); diff != "" {
		t.Fatalf("dog mismatch (-want +got):\n%s", diff)
	}

	// Deleting everything empties both, independently.
	err = idx.Delete(ctx, "dog", findex.Uint64Value(0), findex.Uint64Value(2), findex.Uint64Value(4))
	if err != nil {
		t.Fatalf("delete dog: %v", err)
	}

	cat, err = idx.Search(ctx, "cat")
	if err != nil {
		t.Fatalf("re-search cat: %v", err)
	}

	if len(cat) != 3 {
		t.Fatalf("cat lost values after dog delete: %v", cat)
	}

	dog, err = idx.Search(ctx, "dog")
	if err != nil {
		t.Fatalf("re-search dog: %v", err)
	}

	if len(dog) != 0 {
		t.Fatalf("dog still holds %v", dog)
	}
}

func Test_Search_Returns_Empty_When_Keyword_Unknown(t *testing.T) {
	t.Parallel()

	got, err := openTestIndex(t).Search(t.Context(), "never-written")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(got) != 0 {
		t.Fatalf("search of unknown keyword = %v, want empty", got)
	}
}

func Test_Insert_Is_NoOp_When_Values_Empty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := openTestIndex(t)

	err := idx.Insert(ctx, "cat")
	if err != nil {
		t.Fatalf("empty insert: %v", err)
	}

	got, err := idx.Search(ctx, "cat")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(got) != 0 {
		t.Fatalf("empty insert produced %v", got)
	}
}

func Test_Concurrent_Inserts_To_One_Keyword_Converge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	codec, err := findex.NewPackedCodec(32)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	layer, err := findex.NewEncryptionLayer(testSeed(0xAB), 32, memory.NewInMemory())
	if err != nil {
		t.Fatalf("layer: %v", err)
	}

	idx := findex.New[findex.Value8](layer, 32, codec)

	batches := [][]uint64{{1, 2}, {3, 4}, {5, 6}}

	var wg sync.WaitGroup

	errs := make(chan error, len(batches))

	for _, batch := range batches {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- idx.Insert(ctx, "spider", findex.Uint64Value(batch[0]), findex.Uint64Value(batch[1]))
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}

	got, err := idx.Search(ctx, "spider")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if diff := cmp.Diff(valueSet(1, 2, 3, 4, 5, 6), got); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}
}

func Test_Search_Results_Are_Identical_Across_Backends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	codec, err := findex.NewSimpleCodec(16)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	sqlite, err := sqlitemem.Open(ctx, sqlitemem.Options{
		Path: filepath.Join(t.TempDir(), "memory.sqlite3"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	defer func() { _ = sqlite.Close() }()

	indexes := map[string]*findex.Findex[findex.Value8]{}

	for name, mem := range map[string]memory.Memory{
		"inmemory": memory.NewInMemory(),
		"sqlite":   sqlite,
	} {
		layer, err := findex.NewEncryptionLayer(testSeed(0xCD), 16, mem)
		if err != nil {
			t.Fatalf("layer %s: %v", name, err)
		}

		indexes[name] = findex.New[findex.Value8](layer, 16, codec)
	}

	// One scripted sequence of operations, replayed on every backend.
	for name, idx := range indexes {
		steps := []func() error{
			func() error { return idx.Insert(ctx, "ant", findex.Uint64Value(1), findex.Uint64Value(2)) },
			func() error { return idx.Insert(ctx, "bee", findex.Uint64Value(3)) },
			func() error { return idx.Delete(ctx, "ant", findex.Uint64Value(2)) },
			func() error { return idx.Insert(ctx, "ant", findex.Uint64Value(4)) },
			func() error { return idx.Delete(ctx, "wasp", findex.Uint64Value(9)) },
		}

		for i, step := range steps {
			if err := step(); err != nil {
				t.Fatalf("backend %s step %d: %v", name, i, err)
			}
		}
	}

	for _, keyword := range []string{"ant", "bee", "wasp"} {
		want, err := indexes["inmemory"].Search(ctx, keyword)
		if err != nil {
			t.Fatalf("inmemory search %q: %v", keyword, err)
		}

		got, err := indexes["sqlite"].Search(ctx, keyword)
		if err != nil {
			t.Fatalf("sqlite search %q: %v", keyword, err)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("backends diverge on %q (-inmemory +sqlite):\n%s", keyword, diff)
		}
	}
}

// failingCodec returns a fixed error from both directions.
type failingCodec struct {
	err error
}

func (c failingCodec) Encode(findex.Op, map[findex.Value8]struct{}) ([][]byte, error) {
	return nil, c.err
}

func (c failingCodec) Decode([][]byte) (map[findex.Value8]struct{}, error) {
	return nil, c.err
}

func Test_Codec_Errors_Surface_As_ConversionError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cause := errors.New("value does not fit")

	idx := findex.New[findex.Value8](memory.NewInMemory(), 16, failingCodec{err: cause})

	err := idx.Insert(ctx, "cat", findex.Uint64Value(1))

	var conv *findex.ConversionError

	if !errors.As(err, &conv) {
		t.Fatalf("error = %v, want ConversionError", err)
	}

	if !errors.Is(err, cause) {
		t.Fatalf("conversion error does not wrap the codec error: %v", err)
	}
}

func Test_Contended_Insert_Returns_ErrContention_When_Budget_Set(t *testing.T) {
	t.Parallel()

	codec, err := findex.NewSimpleCodec(16)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	idx := findex.New[findex.Value8](&contendedMemory{}, 16, codec, findex.WithMaxRetries(2))

	err = idx.Insert(t.Context(), "cat", findex.Uint64Value(1))
	if !errors.Is(err, findex.ErrContention) {
		t.Fatalf("error = %v, want ErrContention", err)
	}
}
