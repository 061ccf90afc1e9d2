package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peterh/liner"
)

// cmdRepl runs an interactive session against the configured index.
func cmdRepl(ctx context.Context, cfg Config) error {
	idx, closeIdx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}

	defer closeIdx()

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	fmt.Println("findex repl - type 'help' for commands")

	for {
		input, err := line.Prompt("findex> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			// EOF on ctrl-d.
			return nil //nolint:nilerr // interactive exit, not a failure
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		command, args := fields[0], fields[1:]

		switch command {
		case "exit", "quit", "q":
			return nil
		case "help":
			printReplHelp()
		case "insert", "delete":
			if len(args) < 2 {
				fmt.Printf("%s: need a keyword and at least one value\n", command)

				continue
			}

			values, err := parseValues(args[1:])
			if err != nil {
				fmt.Println(err)

				continue
			}

			if command == "insert" {
				err = idx.Insert(ctx, args[0], values...)
			} else {
				err = idx.Delete(ctx, args[0], values...)
			}

			if err != nil {
				fmt.Printf("%s: %v\n", command, err)
			}
		case "search":
			if len(args) == 0 {
				fmt.Println("search: need at least one keyword")

				continue
			}

			for _, kw := range args {
				values, err := idx.Search(ctx, kw)
				if err != nil {
					fmt.Printf("search %q: %v\n", kw, err)

					continue
				}

				fmt.Printf("%s: %s\n", kw, formatValues(values))
			}
		default:
			fmt.Printf("unknown command %q (try 'help')\n", command)
		}
	}
}

func printReplHelp() {
	fmt.Println(`commands:
  insert <keyword> <value>...   add values to a keyword
  delete <keyword> <value>...   remove values from a keyword
  search <keyword>...           print the values bound to keywords
  help                          show this help
  exit / quit / q               leave`)
}
