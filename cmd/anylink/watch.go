package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/philsphicas/anylink/internal/endpoint"
	"github.com/philsphicas/anylink/internal/protocol"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <target> [route...]",
		Short: "Subscribe to routes and print pushed messages",
		Long: `Discover the target's services, open a subscription over the chosen
carrier, ask the remote to push the given routes, and print every pushed
message as one JSON line until interrupted.

Without --force the subscription waits until discovery reports the
carrier's service.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runWatch,
	}
	addEndpointFlags(cmd)
	cmd.Flags().Bool("force", false, "subscribe even if the remote does not advertise the carrier")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
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
	proto, err := sess.protocolFor(cmd, args[0])
	if err != nil {
		return err
	}
	if proto == "" {
		proto = protocol.WebSocket.String()
		if e.Type() == endpoint.TypeWebRTC {
			proto = protocol.WebRTC.String()
		}
	}
	force, _ := cmd.Flags().GetBool("force")

	pushes := make(chan protocol.Response, 64)
	id := e.OnPush(func(resp protocol.Response) {
		select {
		case pushes <- resp:
		default:
			sess.logger.Warn("output is behind, dropping push", "route", resp.Route())
		}
	})
	defer e.Unsubscribe(id)

	routes := make([]any, 0, len(args)-1)
	for _, r := range args[1:] {
		routes = append(routes, r)
	}

	subscribed := make(chan error, 1)
	go func() {
		_, err := e.Subscribe(ctx, endpoint.SubscribeOptions{Protocol: proto, Force: force, Routes: routes})
		subscribed <- err
	}()
	if _, err := e.Check(ctx); err != nil {
		sess.logger.Warn("discovery failed", "target", args[0], "error", err)
	}

	for {
		select {
		case err := <-subscribed:
			if err != nil {
				return err
			}
			sess.logger.Info("watching", "target", args[0], "protocol", proto, "routes", len(routes))
			subscribed = nil
		case resp := <-pushes:
			if err := printJSON(cmd, resp, ""); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
