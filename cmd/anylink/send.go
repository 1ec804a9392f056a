package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/protocol"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <target> <route> [arg...]",
		Short: "Call a route and print the JSON response",
		Long: `Send a message to a route on the target and print the response.
Each arg is decoded as JSON when it parses and sent as a string otherwise.
With --service the route is resolved under that service's discovered path,
which runs discovery first.

Example:
  anylink send https://hub.example.com chat/send '"hello"' --service chat`,
		Args: cobra.MinimumNArgs(2),
		RunE: runSend,
	}
	addEndpointFlags(cmd)
	cmd.Flags().String("service", "", "resolve the route under this discovered service")
	cmd.Flags().String("method", "", "HTTP method (default POST with args, GET without)")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
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

	route := endpoint.Literal(args[1])
	if service, _ := cmd.Flags().GetString("service"); service != "" {
		if _, err := e.Check(ctx); err != nil {
			return err
		}
		route = endpoint.ServiceRoute(service, args[1])
	}
	method, _ := cmd.Flags().GetString("method")

	resp, err := e.Send(ctx, route, &protocol.Message{Message: parseArgs(args[2:]), Method: method})
	if err != nil {
		return err
	}
	return printJSON(cmd, resp, "  ")
}

// parseArgs decodes each arg as JSON, keeping it as a string when it is
// not valid JSON.
func parseArgs(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out = append(out, v)
	}
	return out
}

func printJSON(cmd *cobra.Command, v any, indent string) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
