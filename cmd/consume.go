package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/CefBoud/monpost/client"
	"github.com/CefBoud/monpost/postlog"
	"github.com/CefBoud/monpost/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	fileColor   = color.New(color.FgYellow)
)

// printPost writes a text post inline and the stored location of a file post
func printPost(w io.Writer, dir string, post types.Post) {
	headerColor.Fprintf(w, "#%d %s", post.Info.ID, post.Info.PosterID)
	fmt.Fprintln(w)
	if post.Info.IsText() {
		fmt.Fprintln(w, string(post.Payload))
		return
	}
	fileColor.Fprintf(w, "%s (%d bytes)", filepath.Join(dir, postlog.FileName(post.Info)), len(post.Payload))
	fmt.Fprintln(w)
}

func newConsumeCommand() *cobra.Command {
	var (
		flags   *clientFlags
		follow  bool
		history bool
	)
	cmd := &cobra.Command{
		Use:   "consume TOPIC",
		Short: "Receive the new posts of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			config := flags.clientConfig()
			consumer, err := client.NewConsumer(config)
			if err != nil {
				return err
			}
			defer consumer.Close()
			out := cmd.OutOrStdout()
			dir := postlog.New(filepath.Join(config.ProfileDir(), "posts"), nil).TopicDir(topic)

			if history {
				posts, err := consumer.Posts(topic)
				if err != nil {
					return err
				}
				for _, p := range posts {
					printPost(out, dir, p)
				}
				return nil
			}

			ctx, stop := signalContext()
			defer stop()
			if follow {
				err := consumer.Subscribe(ctx, topic, func(p types.Post) error {
					printPost(out, dir, p)
					return nil
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			posts, err := consumer.Pull(ctx, topic)
			for _, p := range posts {
				printPost(out, dir, p)
			}
			if err != nil {
				return err
			}
			if len(posts) == 0 {
				fmt.Fprintln(out, "no new posts")
			}
			return nil
		},
	}
	flags = bindClientOptions(newViper(), cmd,
		NewOpt(&follow, "follow", false, "keep streaming new posts until interrupted"),
		NewOpt(&history, "history", false, "print the posts already received instead of pulling"),
	)
	return cmd
}
