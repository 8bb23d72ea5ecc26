package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/threadline/internal/config"
	"github.com/harunnryd/threadline/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "threadline",
	Short:        "Threadline streaming conversation client",
	Long:         `Threadline talks to a streaming advisory/interview backend and keeps your conversation threads.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.threadline/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("server.base_url", config.DefaultServerBaseURL, "backend base URL")
	rootCmd.PersistentFlags().String("server.user", config.DefaultServerUser, "user identity sent with every request (default is the OS user)")
	rootCmd.PersistentFlags().String("store.backend", config.DefaultStoreBackend, "session backend (remote, local)")
	rootCmd.PersistentFlags().String("store.workspace_path", "", "workspace directory of the local backend")
	rootCmd.PersistentFlags().String("transport.kind", config.DefaultTransportKind, "stream transport (http, ws)")
	rootCmd.PersistentFlags().String("stream.timeout", config.DefaultStreamTimeout, "how long a reply may stream before it is aborted")
}
