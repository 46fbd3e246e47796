// Package cli wires the arcflow server: configuration, the KV and
// document stores, the collaboration plane and the HTTP surface, with
// graceful shutdown on SIGINT/SIGTERM.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"arcflow.dev/version"
)

// release is set at build time via -ldflags.
var release = "dev"

var cfgFile string

// RootCmd is the arcflow entry command. Running it starts the server.
var RootCmd = &cobra.Command{
	Use:   "arcflow",
	Short: "multi-tenant collaborative flow editing backend",
	Long: `arcflow serves the realtime collaboration plane for flow editing:
websocket sessions with presence and tiered rate limits, transactional
flow mutation with versioning, a service registry with health probes,
and the AI intent loop from user message to approved ghost proposal.

Configuration comes from config.yaml, .env and environment variables
(ARCFLOW_ prefix, plus KV_URL, DOC_STORE_URL and TOKEN_SIGNING_KEY).`,
	RunE: runServe,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.arcflow, /etc/arcflow)")
	RootCmd.AddCommand(versionCmd)
}

var showDeps bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the arcflow version",
	Run: func(cmd *cobra.Command, args []string) {
		build := version.Build()
		fmt.Printf("arcflow %s (%s", release, build.GoVersion)
		if build.Revision != "" {
			rev := build.Revision
			if len(rev) > 12 {
				rev = rev[:12]
			}
			fmt.Printf(", %s", rev)
		}
		fmt.Println(")")

		if showDeps {
			for _, dep := range build.Dependencies {
				fmt.Printf("  %s %s\n", dep.Path, dep.Version)
			}
		}
	},
}

func init() {
	versionCmd.Flags().BoolVar(&showDeps, "deps", false, "list built-in dependency versions")
}
