package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harunnryd/threadline/internal/config"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create the configuration file",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the resolved configuration",
	Long:  `Print the configuration after defaults, the config file, THREADLINE_ environment variables and flags are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		format, _ := cmd.Flags().GetString("output")
		out := cmd.OutOrStdout()
		switch format {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resolved)
		case "yaml", "":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(resolved); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		default:
			return fmt.Errorf("invalid output format: %s (supported: yaml, json)", format)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the configuration file is read from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		out := cmd.OutOrStdout()

		if _, err := os.Stat(path); err == nil && !force {
			fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", path)
			return nil
		} else if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to check config file: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		content := append(bytes.TrimSpace(embeddedDefaultConfig), '\n')
		if err := atomic.WriteFile(path, bytes.NewReader(content)); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", path, err)
		}

		fmt.Fprintf(out, "✓ Initialized config at %s\n", path)
		return nil
	},
}

// configFilePath is --config when given, else the per-user default.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, config.DefaultConfigDir, config.DefaultConfigFile), nil
}

func init() {
	configViewCmd.Flags().StringP("output", "o", "yaml", "output format (yaml, json)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
