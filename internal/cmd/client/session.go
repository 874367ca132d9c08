package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/intelbridge/internal/cmd/client/transports"
	"github.com/rzbill/intelbridge/internal/token"
)

// newSubscribeCommand constructs the `subscribe` command.
func newSubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Open a session for intel or sightings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manageAddr, _ := cmd.Flags().GetString("manage")
			topic, _ := cmd.Flags().GetString("topic")
			days, _ := cmd.Flags().GetInt("snapshot")
			filter, _ := cmd.Flags().GetString("filter")
			listen, _ := cmd.Flags().GetBool("listen")
			limit, _ := cmd.Flags().GetInt("limit")
			if days < 0 {
				return fmt.Errorf("--snapshot must not be negative")
			}

			t := getTransport(manageAddr)
			reply, err := t.Subscribe(cmd.Context(), transports.SubscribeRequest{Topic: topic, SnapshotDays: days, Filter: filter})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			_ = enc.Encode(reply)
			if !listen {
				return nil
			}

			// The session lives only as long as this command.
			defer func() {
				_ = t.Unsubscribe(context.WithoutCancel(cmd.Context()), reply.Token)
			}()
			return t.Listen(cmd.Context(), transports.ListenRequest{
				Endpoint: reply.PubEndpoint,
				Prefixes: []string{reply.Token},
				Limit:    limit,
			}, func(topic string, payload []byte) error {
				return enc.Encode(decodedMessage(topic, payload))
			})
		},
	}
	cmd.Flags().String("manage", envDefault("INTELBRIDGE_MANAGE", defaultManage), "Management endpoint")
	cmd.Flags().String("topic", "intel", "Topic: intel|sighting")
	cmd.Flags().Int("snapshot", 0, "Request a snapshot of this many days")
	cmd.Flags().String("filter", "", "CEL filter (server-side)")
	cmd.Flags().Bool("listen", false, "Stream session messages after subscribing, unsubscribe on exit")
	cmd.Flags().Int("limit", 0, "With --listen, stop after N messages (0 = infinite)")
	return cmd
}

// newUnsubscribeCommand constructs the `unsubscribe` command.
func newUnsubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Close a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manageAddr, _ := cmd.Flags().GetString("manage")
			tok, _ := cmd.Flags().GetString("token")
			if !token.Valid(tok) {
				return fmt.Errorf("invalid --token %q", tok)
			}
			if err := getTransport(manageAddr).Unsubscribe(cmd.Context(), tok); err != nil {
				return fmt.Errorf("unsubscribe: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	cmd.Flags().String("manage", envDefault("INTELBRIDGE_MANAGE", defaultManage), "Management endpoint")
	cmd.Flags().String("token", "", "Session token")
	return cmd
}
