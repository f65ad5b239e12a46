// Command pgmoneta is the backup supervisor daemon: it loads
// pgmoneta.conf, opens each configured server's repository, runs the
// §4.9 periodics, and serves the §6 management RPC surface over a local
// Unix socket (and, optionally, a SCRAM-authenticated TCP admin channel).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgmoneta-go/pgmoneta/internal/security"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pgmoneta",
	Short:   "Postgres backup, WAL-streaming and point-in-time-restore supervisor",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDaemon(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pgmoneta version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringP("config", "c", "/etc/pgmoneta/pgmoneta.conf", "path to pgmoneta.conf")
	rootCmd.AddCommand(masterKeyCmd)
}

var masterKeyCmd = &cobra.Command{
	Use:   "master-key",
	Short: "Generate the master encryption key if it doesn't already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := security.MasterKeyPath()
		if err != nil {
			return err
		}
		if _, err := security.EnsureMasterKey(); err != nil {
			return err
		}
		fmt.Printf("master key: %s\n", path)
		return nil
	},
}

// waitForShutdown blocks until SIGINT/SIGTERM or SIGHUP fires, dispatching
// SIGHUP to onReload and cancelling ctx (via cancel) once a terminating
// signal arrives or ctx is already done.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, onReload func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				onReload()
				continue
			}
			cancel()
			return
		}
	}
}
