package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pior/redis"
	"github.com/pior/redis/resp"
)

var (
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers PING",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
			start := time.Now()
			if err := s.client.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("PONG (took %v)\n", time.Since(start))
			return nil
		}),
	}

	doCmd = &cobra.Command{
		Use:   "do <command> [args...]",
		Short: "Run one command and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(ctx context.Context, s *session, args []string) error {
			reply, err := s.client.Do(ctx, args[0], toArgs(args[1:])...)
			if reply != nil {
				fmt.Println(reply.String())
			}
			if resp.IsServerError(err) {
				return nil
			}
			return err
		}),
	}

	pipeCmd = &cobra.Command{
		Use:   "pipe",
		Short: "Send the commands read from stdin, one per line, as a pipeline",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
			lines, err := readCommands(os.Stdin)
			if err != nil {
				return err
			}

			p, err := s.client.Pipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			responses := make([]*redis.Response[*resp.Reply], len(lines))
			for i, words := range lines {
				responses[i] = p.Do(words[0], toArgs(words[1:])...)
			}

			syncErr := p.Sync()
			printResponses(lines, responses)
			return syncErr
		}),
	}

	txCmd = &cobra.Command{
		Use:   "tx",
		Short: "Run the commands read from stdin, one per line, in a MULTI/EXEC transaction",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
			lines, err := readCommands(os.Stdin)
			if err != nil {
				return err
			}

			tx, err := s.client.Transaction(ctx, viper.GetStringSlice("watch")...)
			if err != nil {
				return err
			}
			defer tx.Close()

			responses := make([]*redis.Response[*resp.Reply], len(lines))
			for i, words := range lines {
				responses[i] = tx.Do(words[0], toArgs(words[1:])...)
			}

			committed, err := tx.Exec()
			if err != nil {
				return err
			}
			if !committed {
				fmt.Println("(transaction aborted)")
			}
			printResponses(lines, responses)
			return nil
		}),
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Run PING and print the client and pool statistics",
		Args:  cobra.NoArgs,
		RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
			if err := s.client.Ping(ctx); err != nil {
				fmt.Printf("PING failed: %v\n", err)
			}
			printStats(s.client)
			return nil
		}),
	}
)

func init() {
	txCmd.Flags().StringSlice("watch", nil, "keys to WATCH before MULTI")
}

// withSession builds a client from the flags for the duration of fn.
func withSession(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd.Context(), s, args)
	}
}

func toArgs(words []string) []resp.Rawable {
	return resp.Strings(words...)
}

// readCommands reads one command per line, skipping blank lines and comments.
func readCommands(r io.Reader) ([][]string, error) {
	var lines [][]string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, strings.Fields(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errors.New("no command read from stdin")
	}
	return lines, nil
}

func printResponses(lines [][]string, responses []*redis.Response[*resp.Reply]) {
	for i, r := range responses {
		fmt.Printf("%d) %s\n", i+1, strings.Join(lines[i], " "))
		reply, err := r.Get()
		switch {
		case r.Empty():
			fmt.Println("   (no value)")
		case reply != nil:
			fmt.Printf("   %s\n", reply.String())
		case err != nil:
			fmt.Printf("   (error) %v\n", err)
		}
	}
}

func printStats(client *redis.Client) {
	stats := client.Stats()
	fmt.Printf("Client:\n")
	fmt.Printf("  Commands: %d\n", stats.Commands)
	fmt.Printf("  Pipelines: %d\n", stats.Pipelines)
	fmt.Printf("  Transactions: %d (%d aborted)\n", stats.Transactions, stats.AbortedTx)
	fmt.Printf("  Queued commands: %d\n", stats.QueuedCommands)
	fmt.Printf("  Server errors: %d\n", stats.ServerErrors)
	fmt.Printf("  Connection errors: %d\n", stats.ConnectionErrors)
	fmt.Printf("  Session resets: %d\n", stats.SessionResets)

	ps := client.PoolStats()
	fmt.Printf("\nPool %s:\n", ps.Addr)
	fmt.Printf("  Circuit breaker: %s (%d requests, %d failures)\n",
		ps.CircuitBreakerState, ps.CircuitBreakerCounts.Requests, ps.CircuitBreakerCounts.TotalFailures)
	fmt.Printf("  Connections: %d total, %d idle, %d active\n",
		ps.PoolStats.TotalConns, ps.PoolStats.IdleConns, ps.PoolStats.ActiveConns)
	fmt.Printf("  Created: %d, destroyed: %d\n", ps.PoolStats.CreatedConns, ps.PoolStats.DestroyedConns)
	fmt.Printf("  Acquires: %d (%d waited, %d failed)\n",
		ps.PoolStats.AcquireCount, ps.PoolStats.AcquireWaitCount, ps.PoolStats.AcquireErrors)
	if ps.PoolStats.AcquireWaitCount > 0 {
		avg := time.Duration(ps.PoolStats.AcquireWaitTimeNs / ps.PoolStats.AcquireWaitCount)
		fmt.Printf("  Average wait: %v\n", avg)
	}
}
