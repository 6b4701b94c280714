package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "Hearth is a federated identity home server",
	Long: `A federated identity home server: issues actor certificates from
signing requests, settles key possession trials, manages session tokens
and caches trust verdicts about remote federation peers.
Complete documentation is available at https://github.com/hearthfed/hearth`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
