package main

import (
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <target>",
		Short: "Discover the services a remote exposes",
		Long: `Ask the remote for its services route table and print each
service name with the path it is reachable at. Server endpoints whose HTTP
services call fails retry once over a WebSocket subscription.

The target is a configured endpoint name or a server URL.`,
		Args: cobra.ExactArgs(1),
		RunE: runCheck,
	}
	addEndpointFlags(cmd)
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sess, err := newSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	e, err := sess.resolve(cmd, args[0])
	if err != nil {
		return err
	}
	if _, err := e.Check(ctx); err != nil {
		return err
	}

	available := e.Available()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, name := range slices.Sorted(maps.Keys(available)) {
		fmt.Fprintf(tw, "%s\t%s\n", name, available[name])
	}
	return tw.Flush()
}
