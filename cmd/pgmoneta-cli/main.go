// Command pgmoneta-cli is the management CLI for the pgmoneta-go
// supervisor: one subcommand per §6 RPC command, dialing either the local
// Unix socket or the TCP admin channel and rendering the JSON response in
// one of text|json|raw (-F), per SPEC_FULL.md §C.5.
package main

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/pgmoneta-go/pgmoneta/internal/rpc"
	"github.com/pgmoneta-go/pgmoneta/pkg/cliutil"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgmoneta-cli",
	Short: "Manage a running pgmoneta-go supervisor",
}

func init() {
	rootCmd.PersistentFlags().String("socket", "/tmp/.s.pgmoneta", "path to the local management Unix socket")
	rootCmd.PersistentFlags().String("host", "", "TCP admin host (empty: use the Unix socket instead)")
	rootCmd.PersistentFlags().Int("port", 0, "TCP admin port")
	rootCmd.PersistentFlags().StringP("format", "F", "text", "output format: text|json|raw")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colorized output")

	rootCmd.AddCommand(listBackupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statusDetailsCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(retainCmd)
	rootCmd.AddCommand(expungeCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(confGetCmd)
	rootCmd.AddCommand(confLsCmd)
	rootCmd.AddCommand(confSetCmd)
	rootCmd.AddCommand(confReloadCmd)
	rootCmd.AddCommand(clearPromCmd)
	rootCmd.AddCommand(annotateCmd)
	rootCmd.AddCommand(modeOnlineCmd)
	rootCmd.AddCommand(modeOfflineCmd)
}

// call dials the channel named by --host/--port (if set) or --socket
// otherwise, issues req, and returns the decoded response.
func call(cmd *cobra.Command, req *rpc.Request) (*rpc.Response, error) {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")

	network, addr := "unix", mustFlagString(cmd, "socket")
	if host != "" {
		network, addr = "tcp", fmt.Sprintf("%s:%d", host, port)
	}

	resp, err := rpc.Call(network, addr, req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %s: %w", network, addr, err)
	}
	if !resp.Outcome.Status {
		return resp, fmt.Errorf("%s failed: %s", req.Header.Command, resp.Outcome.Error)
	}
	return resp, nil
}

func mustFlagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// render prints resp.Response in the format named by -F, falling back to
// a generic render when no command-specific table is registered.
func render(cmd *cobra.Command, command string, resp *rpc.Response, genericTable func()) error {
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor {
		cliutil.DisableColor()
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		data, err := json.MarshalIndent(resp.Response, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	case "raw":
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	default:
		if genericTable != nil {
			genericTable()
			return nil
		}
		data, _ := json.MarshalIndent(resp.Response, "", "  ")
		fmt.Println(string(data))
		return nil
	}
}
