package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the connector binary
var rootCmd = &cobra.Command{
	Use:   "mcp-salesforce",
	Short: "Per-user Salesforce connector for tool-calling assistants",
	Long: `mcp-salesforce authenticates individual end users against Salesforce
via OAuth 2.0 and exposes the org as MCP tools. It manages per-user
credentials (state tokens, token exchange, refresh, idle eviction) so a
multi-tenant tool-calling server can act on each user's behalf.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-salesforce version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
