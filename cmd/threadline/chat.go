package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/threadline/cmd/threadline/runtime"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the advisory assistant",
	Long: `Send one message and stream the reply, or start an interactive
session when no message is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")

		return executeWithRuntime(cmd, func(r *runtime.Components) error {
			if len(args) == 0 {
				return runtime.NewREPL(r, cmd.InOrStdin(), threadID).Start()
			}

			d, err := r.Engine.Send(r.Ctx, threadID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if d.ThreadID != "" && threadID == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", d.ThreadID)
			}
			return nil
		})
	},
}

func init() {
	chatCmd.Flags().StringP("thread", "t", "", "continue an existing thread")
	rootCmd.AddCommand(chatCmd)
}
