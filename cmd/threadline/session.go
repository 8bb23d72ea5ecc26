package main

import (
	"fmt"

	"github.com/harunnryd/threadline/cmd/threadline/runtime"

	tlErrors "github.com/harunnryd/threadline/internal/errors"
	"github.com/harunnryd/threadline/internal/formatter"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
	Long:  `List, inspect and delete your conversation threads.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions grouped by recency",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(r *runtime.Components) error {
			if _, err := r.Engine.List(r.Ctx); err != nil {
				if !tlErrors.Is(err, tlErrors.ErrStale) {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			out, err := f.FormatGroups(r.Engine.Groups())
			if err != nil {
				return fmt.Errorf("failed to format sessions: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session with its turns and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := outputFormatter(cmd)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(r *runtime.Components) error {
			sess, err := r.Engine.Load(r.Ctx, args[0])
			if err != nil {
				return err
			}

			out, err := f.FormatSession(formatter.NewDetail(sess, r.Engine.MaxRounds()))
			if err != nil {
				return fmt.Errorf("failed to format session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Components) error {
			if err := r.Engine.Delete(r.Ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Session '%s' deleted.\n", args[0])
			return nil
		})
	},
}

func outputFormatter(cmd *cobra.Command) (formatter.SessionFormatter, error) {
	raw, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(raw)
	if err != nil {
		return nil, err
	}
	return formatter.NewFormatterFactory().Create(format)
}

func init() {
	sessionLsCmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")
	sessionShowCmd.Flags().StringP("output", "o", string(formatter.OutputFormatTable), "output format (table, json, yaml)")

	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionRmCmd)
	rootCmd.AddCommand(sessionCmd)
}
