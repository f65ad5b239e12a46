package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgmoneta-go/pgmoneta/internal/rpc"
	"github.com/pgmoneta-go/pgmoneta/pkg/cliutil"
)

// asMaps converts a decoded JSON array field (produced by encoding/json or
// goccy/go-json, always []any of map[string]any) into []map[string]any for
// cliutil's table renderers.
func asMaps(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

var listBackupCmd = &cobra.Command{
	Use:   "list-backup [server]",
	Short: "List backups for a server (§8 scenario S6: -s desc reverses order)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sort, _ := cmd.Flags().GetString("sort")
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandListBackup},
			Request: map[string]any{"server": args[0], "sort": sort},
		}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandListBackup, resp, func() {
			cliutil.RenderListBackup(os.Stdout, asMaps(resp.Response["backups"]))
		})
	},
}

func init() {
	listBackupCmd.Flags().StringP("sort", "s", "asc", "sort order: asc|desc")
}

var infoCmd = &cobra.Command{
	Use:   "info [server] [label]",
	Short: "Show detailed information about one backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandInfo},
			Request: map[string]any{"server": args[0], "label": args[1]},
		}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandInfo, resp, func() {
			cliutil.RenderInfo(os.Stdout, resp.Response)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a brief status summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandStatus}}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandStatus, resp, func() {
			cliutil.RenderStatus(os.Stdout, asMaps(resp.Response["servers"]))
		})
	},
}

var statusDetailsCmd = &cobra.Command{
	Use:   "status-details",
	Short: "Show a detailed status summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandStatusDetails}}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandStatusDetails, resp, func() {
			cliutil.RenderStatus(os.Stdout, asMaps(resp.Response["servers"]))
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the supervisor is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandPing}}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	},
}

// longRunning issues command against server and, unless --wait=false, polls
// status every 2s rendering a spinner until the backup/restore/archive
// command's repository lock for that server is released.
func longRunning(cmd *cobra.Command, command, server string, extra map[string]any) error {
	payload := map[string]any{"server": server}
	for k, v := range extra {
		payload[k] = v
	}
	req := &rpc.Request{Header: rpc.Header{Command: command}, Request: payload}
	resp, err := call(cmd, req)
	if err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		fmt.Printf("%s started for %s\n", command, server)
		return nil
	}

	err = cliutil.RunWithSpinner(cmd.Context(), 2*time.Second, func() (bool, string, error) {
		statusResp, err := call(cmd, &rpc.Request{Header: rpc.Header{Command: rpc.CommandStatus}})
		if err != nil {
			return false, "", err
		}
		for _, s := range asMaps(statusResp.Response["servers"]) {
			if s["server"] != server {
				continue
			}
			locked, _ := s["locked"].(bool)
			return !locked, fmt.Sprintf("%s: %s", server, command), nil
		}
		return true, "", nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s complete for %s\n", command, server)
	_ = resp
	return nil
}

var backupCmd = &cobra.Command{
	Use:   "backup [server]",
	Short: "Take a backup of server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return longRunning(cmd, rpc.CommandBackup, args[0], nil)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [server] [label] [target]",
	Short: "Restore a backup to target",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return longRunning(cmd, rpc.CommandRestore, args[0], map[string]any{
			"label": args[1], "target": args[2],
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [server] [label]",
	Short: "Verify a backup's checksums",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return longRunning(cmd, rpc.CommandVerify, args[0], map[string]any{"label": args[1]})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive [server] [label] [target]",
	Short: "Archive a backup as a self-contained tarball",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return longRunning(cmd, rpc.CommandArchive, args[0], map[string]any{
			"label": args[1], "target": args[2],
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{backupCmd, restoreCmd, verifyCmd, archiveCmd} {
		cmd.Flags().Bool("wait", true, "poll status and show progress until the operation finishes")
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete [server] [label]",
	Short: "Delete one backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandDelete},
			Request: map[string]any{"server": args[0], "label": args[1]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ deleted %s/%s\n", args[0], args[1])
		return nil
	},
}

var retainCmd = &cobra.Command{
	Use:   "retain [server] [label]",
	Short: "Mark a backup to be kept regardless of retention policy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandRetain},
			Request: map[string]any{"server": args[0], "label": args[1]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ retained %s/%s\n", args[0], args[1])
		return nil
	},
}

var expungeCmd = &cobra.Command{
	Use:   "expunge [server]",
	Short: "Run a retention sweep against server immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandExpunge},
			Request: map[string]any{"server": args[0]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ expunge ran for %s\n", args[0])
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandShutdown}}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Println("✓ shutdown requested")
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload pgmoneta.conf (equivalent to SIGHUP)",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandReload}}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Println("✓ configuration reloaded")
		return nil
	},
}

var confGetCmd = &cobra.Command{
	Use:   "conf-get [key]",
	Short: "Read one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandConfGet},
			Request: map[string]any{"key": args[0]},
		}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandConfGet, resp, func() {
			fmt.Printf("%s = %v\n", args[0], resp.Response["value"])
		})
	},
}

var confLsCmd = &cobra.Command{
	Use:   "conf-ls",
	Short: "List all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandConfLs}}
		resp, err := call(cmd, req)
		if err != nil {
			return err
		}
		return render(cmd, rpc.CommandConfLs, resp, nil)
	},
}

var confSetCmd = &cobra.Command{
	Use:   "conf-set [key] [value]",
	Short: "Set one configuration value (in-memory only until conf-reload)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandConfSet},
			Request: map[string]any{"key": args[0], "value": args[1]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s = %s\n", args[0], args[1])
		return nil
	},
}

var confReloadCmd = &cobra.Command{
	Use:   "conf-reload",
	Short: "Reload pgmoneta.conf from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandConfReload}}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Println("✓ configuration reloaded from disk")
		return nil
	},
}

var clearPromCmd = &cobra.Command{
	Use:   "clear-prometheus",
	Short: "Reset Prometheus counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{Header: rpc.Header{Command: rpc.CommandClearProm}}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Println("✓ prometheus counters cleared")
		return nil
	},
}

var annotateCmd = &cobra.Command{
	Use:   "annotate [server] [label] [comment]",
	Short: "Attach a free-text comment to a backup",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header: rpc.Header{Command: rpc.CommandAnnotate},
			Request: map[string]any{
				"server": args[0], "label": args[1], "comment": args[2],
			},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ annotated %s/%s\n", args[0], args[1])
		return nil
	},
}

var modeOnlineCmd = &cobra.Command{
	Use:   "mode-online [server]",
	Short: "Bring a server back online for backup/WAL streaming",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandModeOnline},
			Request: map[string]any{"server": args[0]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s online\n", args[0])
		return nil
	},
}

var modeOfflineCmd = &cobra.Command{
	Use:   "mode-offline [server]",
	Short: "Take a server offline (stops its WAL streamer and periodics)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rpc.Request{
			Header:  rpc.Header{Command: rpc.CommandModeOffline},
			Request: map[string]any{"server": args[0]},
		}
		_, err := call(cmd, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s offline\n", args[0])
		return nil
	},
}
