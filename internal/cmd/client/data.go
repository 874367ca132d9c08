package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rzbill/intelbridge/internal/cmd/client/transports"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/token"
)

// newListenCommand constructs the `listen` command.
func newListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print messages the bridge publishes for a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			tok, _ := cmd.Flags().GetString("token")
			kindName, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")
			if !token.Valid(tok) {
				return fmt.Errorf("invalid --token %q", tok)
			}
			prefix := tok
			if kindName != "" {
				k, err := parseKind(kindName)
				if err != nil {
					return err
				}
				prefix = message.Topic(tok, k)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return getTransport("").Listen(cmd.Context(), transports.ListenRequest{
				Endpoint: endpoint,
				Prefixes: []string{prefix},
				Limit:    limit,
			}, func(topic string, payload []byte) error {
				return enc.Encode(decodedMessage(topic, payload))
			})
		},
	}
	cmd.Flags().String("endpoint", envDefault("INTELBRIDGE_PUB", defaultPub), "Bridge publish endpoint")
	cmd.Flags().String("token", "", "Session token")
	cmd.Flags().String("kind", "", "Only this kind: intel|sighting|snapshotrequest|snapshotenvelope")
	cmd.Flags().Int("limit", 0, "Stop after N messages (0 = infinite)")
	return cmd
}

// newPublishCommand constructs the `publish` command.
func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send one message to the bridge on behalf of a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			endpoint, _ := cmd.Flags().GetString("endpoint")
			tok, _ := cmd.Flags().GetString("token")
			kindName, _ := cmd.Flags().GetString("kind")
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			if !token.Valid(tok) {
				return fmt.Errorf("invalid --token %q", tok)
			}
			k, err := parseKind(kindName)
			if err != nil {
				return err
			}
			payload := []byte(data)
			if file != "" {
				if payload, err = readPayload(cmd.InOrStdin(), file); err != nil {
					return err
				}
			}
			if _, err := message.Decode(k, payload); err != nil {
				return fmt.Errorf("invalid %s payload: %w", k, err)
			}
			if err := getTransport("").Publish(cmd.Context(), endpoint, message.Topic(tok, k), payload); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	cmd.Flags().String("endpoint", envDefault("INTELBRIDGE_SUB", defaultSub), "Bridge inbound endpoint")
	cmd.Flags().String("token", "", "Session token")
	cmd.Flags().String("kind", "intel", "Kind: intel|sighting|snapshotenvelope")
	cmd.Flags().String("data", "", "JSON payload")
	cmd.Flags().String("file", "", "Read the payload from a file, - for stdin")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}
