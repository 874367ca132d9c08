package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the bridge client.
// It registers the session and data commands.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "intelbridge",
		Short: "intelbridge client commands",
	}
	AddCommands(root)
	return root
}

// AddCommands registers every client command on parent.
func AddCommands(parent *cobra.Command) {
	parent.AddCommand(
		newSubscribeCommand(),
		newUnsubscribeCommand(),
		newListenCommand(),
		newPublishCommand(),
	)
}
