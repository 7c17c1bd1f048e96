// Package main is the leakguard command: it watches chat traffic for known
// secrets, rotates any that leak and suppresses the leaking message.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "leakguard",
	Short: "Detect and remediate secrets leaked into chat",
	Long: `leakguard watches chat messages for values held in a secret store.
When a stored secret appears in a message it rotates the secret, alerts the
admin chat and deletes the message.

Configuration is read from --config (or CONFIG_PATH, default config.yaml) and
overridden by LEAKGUARD_ environment variables, with double underscores
separating levels:

  LEAKGUARD_STORE__TYPE=vault
  LEAKGUARD_TRANSPORT__TELEGRAM__TOKEN=op://Prod/telegram/token`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "leakguard %s\n", Version)
		fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(versionCmd)
}
