package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/internal/metrics"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/internal/pglog"
	"github.com/pgmoneta-go/pgmoneta/internal/rpc"
	"github.com/pgmoneta-go/pgmoneta/pkg/orchestrator"
	"github.com/pgmoneta-go/pgmoneta/pkg/repository"
	"github.com/pgmoneta-go/pgmoneta/pkg/supervisor"
	"github.com/pgmoneta-go/pgmoneta/pkg/workflow"
)

// registerHandlers binds every §6 command to its handler.
func (d *daemon) registerHandlers(disp *rpc.Dispatcher) {
	disp.Register(rpc.CommandBackup, d.handleBackup)
	disp.Register(rpc.CommandListBackup, d.handleListBackup)
	disp.Register(rpc.CommandRestore, d.handleRestore)
	disp.Register(rpc.CommandVerify, d.handleVerify)
	disp.Register(rpc.CommandArchive, d.handleArchive)
	disp.Register(rpc.CommandDelete, d.handleDelete)
	disp.Register(rpc.CommandRetain, d.handleRetain)
	disp.Register(rpc.CommandExpunge, d.handleExpunge)
	disp.Register(rpc.CommandPing, d.handlePing)
	disp.Register(rpc.CommandShutdown, d.handleShutdown)
	disp.Register(rpc.CommandStatus, d.handleStatus)
	disp.Register(rpc.CommandStatusDetails, d.handleStatusDetails)
	disp.Register(rpc.CommandReload, d.handleReload)
	disp.Register(rpc.CommandConfGet, d.handleConfGet)
	disp.Register(rpc.CommandConfLs, d.handleConfLs)
	disp.Register(rpc.CommandConfSet, d.handleConfSet)
	disp.Register(rpc.CommandConfReload, d.handleConfReload)
	disp.Register(rpc.CommandClearProm, d.handleClearProm)
	disp.Register(rpc.CommandInfo, d.handleInfo)
	disp.Register(rpc.CommandAnnotate, d.handleAnnotate)
	disp.Register(rpc.CommandModeOnline, d.handleModeOnline)
	disp.Register(rpc.CommandModeOffline, d.handleModeOffline)
}

func stringArg(req *rpc.Request, key string) string {
	v, _ := req.Request[key].(string)
	return v
}

func (d *daemon) serverRuntime(req *rpc.Request) (*serverRuntime, error) {
	name := stringArg(req, "server")
	sr, ok := d.servers[name]
	if !ok {
		return nil, perrors.Newf(perrors.KindConfig, "daemon", "unknown server %q", name)
	}
	return sr, nil
}

func (d *daemon) compressionFor(sr *serverRuntime) codec.Kind {
	name := sr.cfg.Compression
	if name == "" {
		name = d.cfg.Pgmoneta.Compression
	}
	kind, err := codec.ParseKind(name)
	if err != nil {
		return codec.None
	}
	return kind
}

func (d *daemon) handleBackup(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}

	sess, err := d.dialOrigin(sr)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues(sr.cfg.Name, "failure").Inc()
		return nil, err
	}
	defer sess.Close()

	label := time.Now().UTC().Format(backupLabelLayout)
	wf := orchestrator.NewBackupWorkflow(sr.lock, sess, sr.repo, orchestrator.BackupOptions{
		Server:      sr.cfg.Name,
		Label:       label,
		Compression: d.compressionFor(sr),
		Workers:     d.cfg.Pgmoneta.Workers,
		SegmentSize: d.cfg.Pgmoneta.WALSegmentSize.Bytes(),
	})
	if err := wf.Run(ctx, workflow.NewBag()); err != nil {
		metrics.BackupsTotal.WithLabelValues(sr.cfg.Name, "failure").Inc()
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues(sr.cfg.Name, "success").Inc()
	return map[string]any{"label": label}, nil
}

func (d *daemon) handleListBackup(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	backups, err := sr.repo.ListBackups(stringArg(req, "sort") == "desc")
	if err != nil {
		return nil, err
	}
	return map[string]any{"backups": backupList(backups)}, nil
}

func backupList(backups []*repository.Backup) []map[string]any {
	out := make([]map[string]any, 0, len(backups))
	for _, b := range backups {
		out = append(out, backupFields(b))
	}
	return out
}

func backupFields(b *repository.Backup) map[string]any {
	return map[string]any{
		"label":           b.Label,
		"type":            string(b.Type),
		"valid":           string(b.Valid),
		"parent":          b.Parent,
		"restore_size":    b.RestoreSize,
		"elapsed_seconds": b.ElapsedSeconds,
		"compression":     b.Compression.String(),
		"encryption":      b.Encryption,
		"keep":            b.Keep,
		"comments":        b.Comments,
	}
}

func (d *daemon) handleRestore(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	wf := orchestrator.NewRestoreWorkflow(sr.lock, sr.repo, orchestrator.RestoreOptions{
		Server:   sr.cfg.Name,
		Label:    stringArg(req, "label"),
		Target:   stringArg(req, "target"),
		PageSize: int(d.cfg.Pgmoneta.PageSize.Bytes()),
		Workers:  d.cfg.Pgmoneta.Workers,
	})
	outcome := "success"
	if err := wf.Run(ctx, workflow.NewBag()); err != nil {
		outcome = "failure"
		metrics.RestoresTotal.WithLabelValues(sr.cfg.Name, outcome).Inc()
		return nil, err
	}
	metrics.RestoresTotal.WithLabelValues(sr.cfg.Name, outcome).Inc()
	return map[string]any{}, nil
}

func (d *daemon) handleVerify(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	var result orchestrator.VerifyResult
	wf := orchestrator.NewVerifyWorkflow(sr.lock, sr.repo, orchestrator.VerifyOptions{
		Server: sr.cfg.Name,
		Label:  stringArg(req, "label"),
	}, &result)
	if err := wf.Run(ctx, workflow.NewBag()); err != nil {
		return nil, err
	}
	return map[string]any{"valid": result.Valid, "mismatches": result.Mismatches}, nil
}

func (d *daemon) handleArchive(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	wf := orchestrator.NewArchiveWorkflow(sr.lock, sr.repo, orchestrator.ArchiveOptions{
		Server:      sr.cfg.Name,
		Label:       stringArg(req, "label"),
		OutputPath:  stringArg(req, "target"),
		Compression: d.compressionFor(sr),
		PageSize:    int(d.cfg.Pgmoneta.PageSize.Bytes()),
	})
	if err := wf.Run(ctx, workflow.NewBag()); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *daemon) handleDelete(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	release, err := sr.lock.Acquire(supervisor.OpDelete)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := sr.repo.DeleteBackup(stringArg(req, "label")); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *daemon) handleRetain(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	b, err := sr.repo.LoadBackup(stringArg(req, "label"))
	if err != nil {
		return nil, err
	}
	b.Keep = true
	if err := sr.repo.SaveBackup(b); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *daemon) handleExpunge(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	pruned, err := d.runRetentionForServer(sr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pruned": pruned}, nil
}

func (d *daemon) handlePing(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	return map[string]any{}, nil
}

func (d *daemon) handleShutdown(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	d.cancel()
	return map[string]any{}, nil
}

func (d *daemon) serverStatusFields(name string, sr *serverRuntime) map[string]any {
	return map[string]any{
		"server":    name,
		"online":    sr.state.Online(),
		"valid":     sr.state.Valid(),
		"streaming": sr.state.Streaming(),
		"locked":    sr.lock.Locked(),
	}
}

func (d *daemon) handleStatus(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	servers := make([]map[string]any, 0, len(d.servers))
	for name, sr := range d.servers {
		servers = append(servers, d.serverStatusFields(name, sr))
	}
	return map[string]any{"servers": servers}, nil
}

func (d *daemon) handleStatusDetails(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	servers := make([]map[string]any, 0, len(d.servers))
	for name, sr := range d.servers {
		fields := d.serverStatusFields(name, sr)
		fields["wal_slot"] = sr.cfg.WALSlot
		fields["follow"] = sr.cfg.Follow
		backups, err := sr.repo.ListBackups(false)
		if err == nil {
			fields["backup_count"] = len(backups)
		}
		servers = append(servers, fields)
	}
	return map[string]any{"servers": servers}, nil
}

func (d *daemon) handleReload(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	newCfg, err := d.watcher.Reload()
	if err != nil {
		return nil, err
	}
	d.cfg = newCfg
	return map[string]any{}, nil
}

func (d *daemon) handleConfReload(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	return d.handleReload(ctx, req)
}

// confValue covers the small set of keys conf-get/conf-ls/conf-set expose;
// generic reflection over Config isn't worth it for a handful of scalars
// operators actually tune at runtime.
func (d *daemon) confValue(key string) (string, bool) {
	if v, ok := d.confOverrides[key]; ok {
		return v, true
	}
	switch key {
	case "workers":
		return fmt.Sprint(d.cfg.Pgmoneta.Workers), true
	case "log_level":
		return d.cfg.Pgmoneta.LogLevel, true
	case "retention_seconds":
		return fmt.Sprint(d.cfg.Pgmoneta.RetentionSeconds), true
	case "verification_seconds":
		return fmt.Sprint(d.cfg.Pgmoneta.VerificationSeconds), true
	case "metrics_port":
		return fmt.Sprint(d.cfg.Pgmoneta.MetricsPort), true
	case "compression":
		return d.cfg.Pgmoneta.Compression, true
	case "encryption":
		return d.cfg.Pgmoneta.Encryption, true
	default:
		return "", false
	}
}

func (d *daemon) handleConfGet(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	key := stringArg(req, "key")
	d.confMu.Lock()
	defer d.confMu.Unlock()
	value, ok := d.confValue(key)
	if !ok {
		return nil, perrors.Newf(perrors.KindConfig, "daemon", "unknown configuration key %q", key)
	}
	return map[string]any{"value": value}, nil
}

func (d *daemon) handleConfLs(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	keys := []string{"workers", "log_level", "retention_seconds", "verification_seconds", "metrics_port", "compression", "encryption"}
	d.confMu.Lock()
	defer d.confMu.Unlock()
	values := make(map[string]any, len(keys))
	for _, k := range keys {
		v, _ := d.confValue(k)
		values[k] = v
	}
	return values, nil
}

func (d *daemon) handleConfSet(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	key := stringArg(req, "key")
	if _, ok := d.confValue(key); !ok {
		return nil, perrors.Newf(perrors.KindConfig, "daemon", "unknown configuration key %q", key)
	}
	d.confMu.Lock()
	d.confOverrides[key] = stringArg(req, "value")
	d.confMu.Unlock()
	return map[string]any{}, nil
}

func (d *daemon) handleClearProm(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	metrics.BackupsTotal.Reset()
	metrics.RestoresTotal.Reset()
	metrics.RetentionPrunedTotal.Reset()
	metrics.WALStreamingLagBytes.Reset()
	metrics.RepositoryLockHeld.Reset()
	return map[string]any{}, nil
}

func (d *daemon) handleInfo(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	b, err := sr.repo.LoadBackup(stringArg(req, "label"))
	if err != nil {
		return nil, err
	}
	return backupFields(b), nil
}

func (d *daemon) handleAnnotate(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	b, err := sr.repo.LoadBackup(stringArg(req, "label"))
	if err != nil {
		return nil, err
	}
	b.Comments = stringArg(req, "comment")
	if err := sr.repo.SaveBackup(b); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *daemon) handleModeOnline(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	sr.state.SetOnline(true)
	return map[string]any{}, nil
}

func (d *daemon) handleModeOffline(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	sr, err := d.serverRuntime(req)
	if err != nil {
		return nil, err
	}
	sr.state.SetOnline(false)
	return map[string]any{}, nil
}

// runRetentionForServer deletes every backup of sr older than
// pgmoneta.retention_seconds, skipping backups marked Keep and any backup
// still referenced as another backup's parent. Ages are recovered from a
// backup's label, generated by handleBackup as a UTC timestamp
// (backupLabelLayout), since repository.Backup carries no separate
// creation-time field.
func (d *daemon) runRetentionForServer(sr *serverRuntime) (int, error) {
	if d.cfg.Pgmoneta.RetentionSeconds <= 0 {
		return 0, nil
	}
	backups, err := sr.repo.ListBackups(false)
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]bool, len(backups))
	for _, b := range backups {
		if b.Parent != "" {
			referenced[b.Parent] = true
		}
	}

	cutoff := time.Now().Add(-time.Duration(d.cfg.Pgmoneta.RetentionSeconds) * time.Second)
	pruned := 0
	for _, b := range backups {
		if b.Keep || referenced[b.Label] {
			continue
		}
		created, err := time.Parse(backupLabelLayout, b.Label)
		if err != nil {
			continue
		}
		if created.After(cutoff) {
			continue
		}

		release, err := sr.lock.Acquire(supervisor.OpRetain)
		if err != nil {
			continue
		}
		err = sr.repo.DeleteBackup(b.Label)
		release()
		if err != nil {
			continue
		}
		metrics.RetentionPrunedTotal.WithLabelValues(sr.cfg.Name).Inc()
		pruned++
	}
	return pruned, nil
}

func (d *daemon) retentionCallback() {
	for _, sr := range d.servers {
		if _, err := d.runRetentionForServer(sr); err != nil {
			pglog.WithServer(sr.cfg.Name).Warn().Err(err).Msg("retention sweep failed")
		}
	}
}

// verificationCallback is supervisor.Callbacks.Verification: runs a
// SHA-verify pass over every backup of every server.
func (d *daemon) verificationCallback() {
	for _, sr := range d.servers {
		backups, err := sr.repo.ListBackups(false)
		if err != nil {
			continue
		}
		for _, b := range backups {
			var result orchestrator.VerifyResult
			wf := orchestrator.NewVerifyWorkflow(sr.lock, sr.repo, orchestrator.VerifyOptions{
				Server: sr.cfg.Name,
				Label:  b.Label,
			}, &result)
			_ = wf.Run(d.ctx, workflow.NewBag())
		}
	}
}
