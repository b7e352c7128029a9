package cmd

import (
	"errors"
	"fmt"

	"github.com/CefBoud/monpost/client"
	"github.com/CefBoud/monpost/types"
	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		flags *clientFlags
		texts []string
		files []string
	)
	cmd := &cobra.Command{
		Use:   "publish TOPIC",
		Short: "Publish text and file posts to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(texts) == 0 && len(files) == 0 {
				return errors.New("nothing to publish, use --text or --file")
			}
			publisher, err := client.NewPublisher(flags.clientConfig())
			if err != nil {
				return err
			}
			var posts []types.Post
			for _, text := range texts {
				posts = append(posts, publisher.NewTextPost(text))
			}
			for _, path := range files {
				post, err := publisher.NewFilePost(path)
				if err != nil {
					return err
				}
				posts = append(posts, post)
			}

			ctx, stop := signalContext()
			defer stop()
			if err := publisher.Publish(ctx, args[0], posts...); err != nil {
				return err
			}
			for _, p := range posts {
				fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d bytes)\n", p.Info, len(p.Payload))
			}
			return nil
		},
	}
	flags = bindClientOptions(newViper(), cmd,
		NewOpt(&texts, "text", nil, "text post, repeatable"),
		NewOpt(&files, "file", nil, "file to post, repeatable"),
	)
	return cmd
}
