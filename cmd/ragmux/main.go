package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "ragmux",
	Short: "Local query router with PDF retrieval",
	Long: `ragmux routes each question to a coding, reasoning, document, web search
or general path, answers it with local Ollama models and keeps an index of
ingested PDF documents for retrieval.

Configuration is read from $XDG_CONFIG_HOME/ragmux/config.toml (or
$RAGMUX_CONFIG) with RAGMUX_* environment overrides. A .env file in the
working directory is loaded first.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionLine() string {
	return fmt.Sprintf("ragmux version %s", version)
}
