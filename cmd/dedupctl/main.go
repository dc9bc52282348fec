// Command dedupctl runs finding deduplication from the command line and
// inspects run history, clusters and API keys.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dedupctl",
		Short: "Deduplicate and cluster static-analysis findings",
		Long: `dedupctl ingests SARIF scan results, collapses exact duplicates across
scans and groups semantically similar findings into clusters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "Log pipeline progress to stderr")
	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
		}
	}

	root.AddCommand(newRunCmd(), newRunsCmd(), newClustersCmd(), newKeysCmd())
	return root
}
