// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/golang-auth/go-sspi"
)

func runPackages(_ context.Context, env *env, args []string) error {
	var c common

	fs := flag.NewFlagSet("packages", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEngine(&c, sspi.NewMemoryIdentityStore(), newLogger(env.stderr, c.debug))
	if err != nil {
		return err
	}
	defer e.Close()

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMAX TOKEN\tRPCID\tCAPABILITIES")
	for _, info := range e.EnumeratePackages() {
		rpc := "-"
		if info.RPCID != 0xFFFF {
			rpc = fmt.Sprintf("%d", info.RPCID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", info.Name, info.MaxTokenSize, rpc, info.Capabilities)
	}

	return tw.Flush()
}
