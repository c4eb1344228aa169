package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iago/llm-dvm/internal/config"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "dvm",
	Short:         "Nostr data vending machine serving LLM text generation",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, keygenCmd, jobsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
