package cmd

import (
	"fmt"

	"github.com/CefBoud/monpost/client"
	"github.com/spf13/cobra"
)

func newCreateTopicCommand() *cobra.Command {
	var flags *clientFlags
	cmd := &cobra.Command{
		Use:   "create-topic TOPIC",
		Short: "Create a topic on its owning broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			publisher, err := client.NewPublisher(flags.clientConfig())
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			created, err := publisher.CreateTopic(ctx, args[0])
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created topic %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "topic %s already exists\n", args[0])
			}
			return nil
		},
	}
	flags = bindClientOptions(newViper(), cmd)
	return cmd
}
