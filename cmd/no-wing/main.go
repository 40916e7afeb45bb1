// no-wing — credential broker keeping autonomous-agent AWS activity
// separate from, and auditable by, its human operator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/cmd/no-wing/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "no-wing",
		Short: "no-wing — dual-identity AWS credential broker for autonomous agents",
		Long: `no-wing gives an autonomous agent its own AWS identity, separate from the
human operator's. Every context switch, role assumption, and deployment is
verified against STS and written to an append-only audit ledger.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterSetupCommands(rootCmd)
	cli.RegisterContextCommands(rootCmd)
	cli.RegisterRoleCommands(rootCmd)
	cli.RegisterElevationCommands(rootCmd)
	cli.RegisterDeployCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
