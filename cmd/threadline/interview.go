package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/threadline/cmd/threadline/runtime"

	"github.com/spf13/cobra"
)

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Take part in an interview session",
}

var interviewAnswerCmd = &cobra.Command{
	Use:   "answer <answer>",
	Short: "Answer the open question of an interview",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		if strings.TrimSpace(threadID) == "" {
			return fmt.Errorf("--thread is required")
		}

		return executeWithRuntime(cmd, func(r *runtime.Components) error {
			d, err := r.Engine.Answer(r.Ctx, threadID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sess, ok := r.Store.Cached(d.ThreadID)
			if !ok {
				return nil
			}
			if q, open := sess.OpenQuestion(); open {
				fmt.Fprintf(out, "\nNext question: %s\n", q)
			}
			if p, err := r.Engine.Progress(d.ThreadID); err == nil {
				fmt.Fprintf(out, "%s  %d%%  %s\n", p.Label, p.Percent, p.Detail)
			}
			return nil
		})
	},
}

func init() {
	interviewAnswerCmd.Flags().StringP("thread", "t", "", "interview thread id")
	interviewCmd.AddCommand(interviewAnswerCmd)
	rootCmd.AddCommand(interviewCmd)
}
