package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Keel, a metered LLM gateway",
	Long:  "Keel sits between teams and the LLM providers they call, providing API keys, role-based access, token limits, usage metering and prepaid balances behind an OpenAI-compatible completions endpoint.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/keel.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
