// Package cmd holds the monpost command line
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the monpost command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "monpost",
		Short:         "Publish posts to topics and stream them to consumers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newBrokerCommand(),
		newCreateTopicCommand(),
		newPublishCommand(),
		newConsumeCommand(),
	)
	return root
}

// Execute runs the command line and exits on error
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalContext ends on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
