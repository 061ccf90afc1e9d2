// findex is a small CLI around the encrypted index, meant as a working
// example of wiring a backend, the encryption layer and a codec together.
//
// Usage:
//
//	findex init                          Generate a master seed file
//	findex insert <keyword> <value>...   Add values to a keyword
//	findex delete <keyword> <value>...   Remove values from a keyword
//	findex search <keyword>...           Print the values bound to keywords
//	findex repl                          Interactive session
//
// Common flags:
//
//	-c, --config       Config file (default: .findex.json if present)
//	    --db           SQLite database path
//	    --redis        Redis URL (overrides --db)
//	    --table        SQLite table name
//	-w, --word-length  Word size in bytes (multiple of 16)
//	    --seed-file    Master seed file
//
// The seed file is the index's only secret: whoever holds it can read and
// write the index, whoever does not sees opaque tokens. The database file or
// Redis instance can live on an untrusted host.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/keyfold/findex/pkg/findex"
	"github.com/keyfold/findex/pkg/memory"
	"github.com/keyfold/findex/pkg/memory/redismem"
	"github.com/keyfold/findex/pkg/memory/sqlitemem"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()

		return errors.New("missing command")
	}

	command, args := args[0], args[1:]

	flags := flag.NewFlagSet(command, flag.ContinueOnError)

	var (
		configPath = flags.StringP("config", "c", "", "config file")
		dbPath     = flags.String("db", "", "sqlite database path")
		redisURL   = flags.String("redis", "", "redis URL (overrides --db)")
		table      = flags.String("table", "", "sqlite table name")
		wordLen    = flags.IntP("word-length", "w", 0, "word size in bytes")
		seedFile   = flags.String("seed-file", "", "master seed file")
	)

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}

	cfg, err := LoadConfig(workDir, *configPath)
	if err != nil {
		return err
	}

	cfg = mergeConfig(cfg, Config{
		DB:         *dbPath,
		Redis:      *redisURL,
		Table:      *table,
		WordLength: *wordLen,
		SeedFile:   *seedFile,
	})

	switch command {
	case "init":
		return cmdInit(cfg)
	case "insert", "delete":
		return cmdWrite(ctx, cfg, command, flags.Args())
	case "search":
		return cmdSearch(ctx, cfg, flags.Args())
	case "repl":
		return cmdRepl(ctx, cfg)
	case "help", "--help", "-h":
		printUsage()

		return nil
	default:
		printUsage()

		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: findex <command> [flags] [args]

commands:
  init                          generate a master seed file
  insert <keyword> <value>...   add values to a keyword
  delete <keyword> <value>...   remove values from a keyword
  search <keyword>...           print the values bound to keywords
  repl                          interactive session
  help                          show this help`)
}

// cmdInit generates the master seed and writes it atomically, refusing to
// clobber an existing one: overwriting the seed orphans every binding the old
// seed ever wrote.
func cmdInit(cfg Config) error {
	_, err := os.Stat(cfg.SeedFile)
	if err == nil {
		return fmt.Errorf("seed file %s already exists", cfg.SeedFile)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat seed file: %w", err)
	}

	seed := make([]byte, findex.KeyLength)

	_, err = rand.Read(seed)
	if err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}

	err = atomic.WriteFile(cfg.SeedFile, strings.NewReader(hex.EncodeToString(seed)+"\n"))
	if err != nil {
		return fmt.Errorf("write seed file: %w", err)
	}

	err = os.Chmod(cfg.SeedFile, 0o600)
	if err != nil {
		return fmt.Errorf("restrict seed file: %w", err)
	}

	fmt.Printf("wrote %s\n", cfg.SeedFile)

	return nil
}

func cmdWrite(ctx context.Context, cfg Config, command string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%s: need a keyword and at least one value", command)
	}

	idx, closeIdx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}

	defer closeIdx()

	values, err := parseValues(args[1:])
	if err != nil {
		return err
	}

	if command == "insert" {
		return idx.Insert(ctx, args[0], values...)
	}

	return idx.Delete(ctx, args[0], values...)
}

func cmdSearch(ctx context.Context, cfg Config, keywords []string) error {
	if len(keywords) == 0 {
		return errors.New("search: need at least one keyword")
	}

	idx, closeIdx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}

	defer closeIdx()

	for _, kw := range keywords {
		values, err := idx.Search(ctx, kw)
		if err != nil {
			return fmt.Errorf("search %q: %w", kw, err)
		}

		fmt.Printf("%s: %s\n", kw, formatValues(values))
	}

	return nil
}

// openIndex assembles backend, encryption layer and codec from the config.
// The returned func releases the backend.
func openIndex(ctx context.Context, cfg Config) (*findex.Findex[findex.Value8], func(), error) {
	seed, err := readSeed(cfg.SeedFile)
	if err != nil {
		return nil, nil, err
	}

	var (
		mem      memory.Memory
		closeMem func()
	)

	if cfg.Redis != "" {
		m, err := redismem.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis: %w", err)
		}

		mem, closeMem = m, func() { _ = m.Close() }
	} else {
		m, err := sqlitemem.Open(ctx, sqlitemem.Options{Path: cfg.DB, Table: cfg.Table})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}

		mem, closeMem = m, func() { _ = m.Close() }
	}

	layer, err := findex.NewEncryptionLayer(seed, cfg.WordLength, mem)
	if err != nil {
		closeMem()

		return nil, nil, err
	}

	codec, err := findex.NewPackedCodec(cfg.WordLength)
	if err != nil {
		closeMem()

		return nil, nil, err
	}

	return findex.New[findex.Value8](layer, cfg.WordLength, codec), closeMem, nil
}

func readSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("seed file %s not found (run 'findex init' first)", path)
		}

		return nil, fmt.Errorf("read seed file: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}

	if len(seed) != findex.KeyLength {
		return nil, fmt.Errorf("seed file %s holds %d bytes, want %d", path, len(seed), findex.KeyLength)
	}

	return seed, nil
}

func parseValues(args []string) ([]findex.Value8, error) {
	values := make([]findex.Value8, len(args))

	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", arg, err)
		}

		values[i] = findex.Uint64Value(v)
	}

	return values, nil
}

func formatValues(values map[findex.Value8]struct{}) string {
	if len(values) == 0 {
		return "(none)"
	}

	nums := make([]uint64, 0, len(values))
	for v := range values {
		nums = append(nums, v.Uint64())
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.FormatUint(n, 10)
	}

	return strings.Join(parts, " ")
}
