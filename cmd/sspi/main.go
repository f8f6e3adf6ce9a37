// SPDX-License-Identifier: Apache-2.0

// Command sspi exercises the security packages of the engine.
//
//	sspi packages
//	sspi loopback [-package <name>] [-user <principal>] [-secret <s>] [-seal] msg
//	sspi server [-port <int>] [-service <principal>] -identity <principal>=<secret> ...
//	sspi client [-port <int>] [-user <principal>] [-mutual] [-seal] host service msg
//
// Secrets that are not given on the command line are read from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"packages", "list the registered security packages", runPackages},
	{"loopback", "negotiate and protect a message in process", runLoopback},
	{"server", "accept contexts on a TCP port", runServer},
	{"client", "initiate a context with a server", runClient},
}

// env holds the process streams so commands can be tested
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(run(ctx, &env{os.Stdin, os.Stdout, os.Stderr}, os.Args[1:]))
}

func run(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		usage(e.stderr)
		return 2
	}

	i := slices.IndexFunc(commands, func(c command) bool { return c.name == args[0] })
	if i < 0 {
		fmt.Fprintf(e.stderr, "unknown command %q\n", args[0])
		usage(e.stderr)
		return 2
	}

	if err := commands[i].run(ctx, e, args[1:]); err != nil {
		fmt.Fprintf(e.stderr, "%s: %s\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: sspi <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.usage)
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	if !debug {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// identityFlag collects repeated principal=secret flags
type identityFlag map[string]string

func (f identityFlag) String() string {
	return strings.Join(slices.Sorted(maps.Keys(f)), ",")
}

func (f identityFlag) Set(s string) error {
	principal, secret, _ := strings.Cut(s, "=")
	if principal == "" {
		return fmt.Errorf("empty principal in %q", s)
	}
	f[principal] = secret
	return nil
}
