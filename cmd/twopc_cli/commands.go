package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/sushant-115/twopc/core/transaction"
)

// masterAPI is the part of the master client the commands use.
type masterAPI interface {
	Put(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	TransactionState(ctx context.Context, id uint64) (transaction.State, error)
}

type session struct {
	client  masterAPI
	timeout time.Duration
	out     io.Writer
}

func (s *session) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func outcome(ok bool) string {
	if ok {
		return "committed"
	}
	return "aborted"
}

// dataCommands returns put, get, delete and state bound to s.
func (s *session) dataCommands() []*cobra.Command {
	return []*cobra.Command{
		{
			Use:                   "put key value",
			Short:                 "Store value under key on every replica",
			Args:                  cobra.MinimumNArgs(2),
			DisableFlagsInUseLine: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := s.requestContext()
				defer cancel()
				ok, err := s.client.Put(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(s.out, outcome(ok))
				return nil
			},
		},
		{
			Use:                   "get key",
			Short:                 "Read key from one replica",
			Args:                  cobra.ExactArgs(1),
			DisableFlagsInUseLine: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := s.requestContext()
				defer cancel()
				value, found, err := s.client.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(s.out, "(not found)")
					return nil
				}
				fmt.Fprintf(s.out, "%q\n", value)
				return nil
			},
		},
		{
			Use:                   "delete key",
			Short:                 "Remove key from every replica",
			Args:                  cobra.ExactArgs(1),
			DisableFlagsInUseLine: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := s.requestContext()
				defer cancel()
				ok, err := s.client.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(s.out, outcome(ok))
				return nil
			},
		},
		{
			Use:                   "state id",
			Short:                 "Show the master's state for a transaction",
			Args:                  cobra.ExactArgs(1),
			DisableFlagsInUseLine: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid transaction id %q", args[0])
				}
				ctx, cancel := s.requestContext()
				defer cancel()
				state, err := s.client.TransactionState(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(s.out, state)
				return nil
			},
		},
	}
}

// runLine executes one shell line against a fresh command tree.
func (s *session) runLine(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd := &cobra.Command{
		Use:           "twopc",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(s.out)
	cmd.SetErr(s.out)
	cmd.SetArgs(args)
	cmd.AddCommand(s.dataCommands()...)
	return cmd.Execute()
}

func (s *session) shellLoop(historyFile string) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "twopc> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	s.out = l.Stdout()

	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.runLine(line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}
