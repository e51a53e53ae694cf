package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pior/redis"
	"github.com/pior/redis/resp"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell",
	Long: `Interactive shell. Every line is sent as one command.

"multi" starts queuing commands in a transaction until "exec" or "discard";
"pipeline" queues commands until "sync".`,
	Args: cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
		fmt.Printf("Connected to %s. Type 'help' for available commands.\n", s.client.Addr())
		return runShell(ctx, s.client)
	}),
}

// batch is the transaction or pipeline being queued by the shell.
type batch struct {
	tx        *redis.Transaction
	pipeline  *redis.Pipeline
	lines     [][]string
	responses []*redis.Response[*resp.Reply]
}

func (b *batch) close() {
	if b.tx != nil {
		b.tx.Close()
	}
	if b.pipeline != nil {
		b.pipeline.Close()
	}
}

func runShell(ctx context.Context, client *redis.Client) error {
	var current *batch
	defer func() {
		if current != nil {
			current.close()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		switch {
		case current == nil:
			fmt.Print("> ")
		case current.tx != nil:
			fmt.Printf("tx(%d)> ", current.tx.Len())
		default:
			fmt.Printf("pipeline(%d)> ", current.pipeline.Len())
		}
		if !scanner.Scan() {
			break
		}

		words := strings.Fields(scanner.Text())
		if len(words) == 0 {
			continue
		}

		switch strings.ToLower(words[0]) {
		case "help":
			fmt.Println("Commands:")
			fmt.Println("  <command> [args...]   - Run a command")
			fmt.Println("  multi [watch keys...] - Start a transaction, watching the keys")
			fmt.Println("  exec | discard        - Execute or discard the transaction")
			fmt.Println("  pipeline              - Start a pipeline")
			fmt.Println("  sync                  - Send the pipeline and print the replies")
			fmt.Println("  stats                 - Show client and pool statistics")
			fmt.Println("  quit                  - Exit the shell")

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return nil

		case "stats":
			printStats(client)

		case "multi":
			if current != nil {
				fmt.Println("Error: already queuing")
				continue
			}
			tx, err := client.Transaction(ctx, words[1:]...)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			current = &batch{tx: tx}

		case "pipeline":
			if current != nil {
				fmt.Println("Error: already queuing")
				continue
			}
			p, err := client.Pipeline(ctx)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			current = &batch{pipeline: p}

		case "exec":
			if current == nil || current.tx == nil {
				fmt.Println("Error: exec without multi")
				continue
			}
			start := time.Now()
			committed, err := current.tx.Exec()
			if err != nil {
				fmt.Printf("Error: %v (took %v)\n", err, time.Since(start))
			} else if !committed {
				fmt.Printf("(transaction aborted, took %v)\n", time.Since(start))
			}
			printResponses(current.lines, current.responses)
			current = nil

		case "discard":
			if current == nil || current.tx == nil {
				fmt.Println("Error: discard without multi")
				continue
			}
			if err := current.tx.Discard(); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			current = nil

		case "sync":
			if current == nil || current.pipeline == nil {
				fmt.Println("Error: sync without pipeline")
				continue
			}
			start := time.Now()
			if err := current.pipeline.Sync(); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			printResponses(current.lines, current.responses)
			fmt.Printf("(took %v)\n", time.Since(start))
			current = nil

		default:
			if current != nil {
				var r *redis.Response[*resp.Reply]
				if current.tx != nil {
					r = current.tx.Do(words[0], toArgs(words[1:])...)
				} else {
					r = current.pipeline.Do(words[0], toArgs(words[1:])...)
				}
				current.lines = append(current.lines, words)
				current.responses = append(current.responses, r)
				fmt.Println("QUEUED")
				continue
			}

			start := time.Now()
			reply, err := client.Do(ctx, words[0], toArgs(words[1:])...)
			switch {
			case reply != nil:
				fmt.Printf("%s (took %v)\n", reply.String(), time.Since(start))
			case err != nil:
				fmt.Printf("Error: %v (took %v)\n", err, time.Since(start))
			}
		}
	}

	return scanner.Err()
}
