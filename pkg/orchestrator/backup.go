// Package orchestrator assembles pkg/workflow chains over the components
// built for each domain module (replication, archive, reconstruct,
// repository, supervisor) into the operations the management RPC surface
// names: backup, restore, verify, archive (§4.2/§4.6/§4.9).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/archive"
	"github.com/pgmoneta-go/pgmoneta/pkg/replication"
	"github.com/pgmoneta-go/pgmoneta/pkg/repository"
	"github.com/pgmoneta-go/pgmoneta/pkg/supervisor"
	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
	"github.com/pgmoneta-go/pgmoneta/pkg/workflow"
)

// BackupOptions configures one backup run.
type BackupOptions struct {
	Server      string
	Label       string
	Compression codec.Kind
	Workers     int
	// SegmentSize is the origin's negotiated WAL segment size, needed only
	// to render StartSegmentName from the parsed backup_label body.
	SegmentSize uint64
}

// NewBackupWorkflow assembles the backup chain: acquire the repository
// lock, request a fast checkpoint and issue BASE_BACKUP, fan the resulting
// per-tablespace tar streams out across a worker pool into a fresh
// workspace, then promote the workspace into the repository as a new
// Backup record. Grounded on pkg/supervisor's worker pool for tablespace
// fan-out and pkg/workflow's per-step lockstep runner; releasing the lock
// in lockStep.Teardown guarantees it is freed on every exit path.
func NewBackupWorkflow(lock *supervisor.RepositoryLock, sess *replication.Session, repo *repository.Repository, opts BackupOptions) *workflow.Workflow {
	return workflow.New([]workflow.Step{
		&lockStep{lock: lock, op: supervisor.OpBackup},
		&backupReceiveStep{sess: sess, repo: repo, opts: opts},
		&backupPromoteStep{repo: repo, opts: opts},
	})
}

// lockStep wraps a supervisor.RepositoryLock as a workflow.Step so every
// backup/restore/verify/archive chain acquires and releases it uniformly.
type lockStep struct {
	lock    *supervisor.RepositoryLock
	op      supervisor.Operation
	release supervisor.Release
}

func (s *lockStep) Name() string { return "lock" }

func (s *lockStep) Setup(ctx context.Context, nodes *workflow.Bag) error {
	release, err := s.lock.Acquire(s.op)
	if err != nil {
		return err
	}
	s.release = release
	return nil
}

func (s *lockStep) Execute(ctx context.Context, nodes *workflow.Bag) error { return nil }

func (s *lockStep) Teardown(ctx context.Context, nodes *workflow.Bag) {
	if s.release != nil {
		s.release()
	}
}

// backupReceiveStep drives one BASE_BACKUP call and drains its streams
// into a scratch workspace: the primary tablespace under data/, any
// additional tablespaces under tablespace/<oid>/, and (when MANIFEST was
// requested) the trailing stream as backup_manifest, a sibling of data/,
// via archive.ReceiveManifest's tmp-then-rename handoff so an interrupted
// receive leaves a dangling .tmp that ManifestIncomplete later detects.
type backupReceiveStep struct {
	sess *replication.Session
	repo *repository.Repository
	opts BackupOptions

	workspace string
	started   time.Time
	bounds    replication.BackupBounds
	result    *replication.BaseBackupResult
}

func (s *backupReceiveStep) Name() string { return "receive" }

func (s *backupReceiveStep) Setup(ctx context.Context, nodes *workflow.Bag) error {
	ws, err := s.repo.NewWorkspace(s.opts.Label)
	if err != nil {
		return err
	}
	s.workspace = ws
	if err := nodes.Insert(s.Name(), workflow.NodeWorkspace, workflow.StringValue(ws)); err != nil {
		return err
	}

	bounds, err := s.sess.StartBackup(s.opts.Label, true)
	if err != nil {
		return err
	}
	s.bounds = bounds
	s.started = time.Now()
	return nil
}

func (s *backupReceiveStep) Execute(ctx context.Context, nodes *workflow.Bag) error {
	result, err := s.sess.BaseBackup(replication.BaseBackupOptions{
		Label:       s.opts.Label,
		WAL:         false,
		Manifest:    true,
		Compression: s.opts.Compression.String(),
		KeywordForm: true,
	})
	if err != nil {
		return err
	}
	s.result = result
	if len(result.Tablespaces) == 0 {
		return perrors.New(perrors.KindProtocol, "orchestrator", fmt.Errorf("BASE_BACKUP returned no tablespace streams"))
	}

	streams := result.Tablespaces
	var manifest *replication.TablespaceStream
	if manifestStream := streams[len(streams)-1]; manifestStream.OID == "" && manifestStream.Path == "" {
		manifest = &manifestStream
		streams = streams[:len(streams)-1]
	}

	dataDir := filepath.Join(s.workspace, "data")
	pool := supervisor.NewWorkerPool(ctx, s.opts.Workers)
	for i, ts := range streams {
		ts := ts
		target := dataDir
		if i > 0 {
			target = filepath.Join(s.workspace, "tablespace", ts.OID)
		}
		rv := archive.Receiver{TargetDir: target, Compression: s.opts.Compression}
		pool.Submit(func(ctx context.Context) error {
			return rv.ReceiveTablespace(ts.Tar)
		})
	}
	if !pool.Wait() {
		return perrors.New(perrors.KindNetwork, "orchestrator", fmt.Errorf("one or more tablespace receives failed"))
	}

	if manifest != nil {
		if err := archive.ReceiveManifest(s.workspace, manifest.Tar); err != nil {
			return err
		}
	}

	stopBounds, err := s.sess.StopBackup()
	if err != nil {
		return err
	}
	s.bounds.BackupLabel = stopBounds.BackupLabel

	// label_file_contents parsing (§D item 4): pull the checkpoint LSN and
	// starting WAL segment out of the structured backup_label body instead
	// of re-deriving them, now that the bracket is closed.
	label := parseLabelFileContents(stopBounds.BackupLabel)

	b := &repository.Backup{
		Label:          s.opts.Label,
		Server:         s.opts.Server,
		Type:           repository.TypeFull,
		Valid:          repository.ValidTrue,
		Compression:    s.opts.Compression,
		ElapsedSeconds: time.Since(s.started).Seconds(),
	}
	if startLSN, err := walfmt.ParseLSN(s.bounds.LSN); err == nil {
		b.StartLSN = startLSN
		b.CheckpointLSN = startLSN
	}
	if endLSN, err := walfmt.ParseLSN(result.EndLSN); err == nil {
		b.EndLSN = endLSN
	}
	b.StartTimeline = walfmt.Timeline(result.BeginTLI)
	b.EndTimeline = walfmt.Timeline(result.EndTLI)

	if checkpointLSN, err := walfmt.ParseLSN(label.CheckpointLocation); err == nil {
		b.CheckpointLSN = checkpointLSN
	}
	if startWAL, err := walfmt.ParseLSN(label.StartWALLocation); err == nil && s.opts.SegmentSize > 0 {
		b.StartSegmentName = walfmt.SegmentName(b.StartTimeline, startWAL.SegmentNumber(s.opts.SegmentSize), s.opts.SegmentSize)
	}

	return nodes.Insert(s.Name(), workflow.NodeBackup, workflow.RefBackupValue(b))
}

func (s *backupReceiveStep) Teardown(ctx context.Context, nodes *workflow.Bag) {}

// backupPromoteStep moves the completed workspace into the repository's
// backup directory and writes its backup.info record.
type backupPromoteStep struct {
	repo *repository.Repository
	opts BackupOptions
}

func (s *backupPromoteStep) Name() string { return "promote" }

func (s *backupPromoteStep) Setup(ctx context.Context, nodes *workflow.Bag) error { return nil }

func (s *backupPromoteStep) Execute(ctx context.Context, nodes *workflow.Bag) error {
	wsVal, ok := nodes.Get(workflow.NodeWorkspace)
	if !ok {
		return perrors.New(perrors.KindProtocol, "orchestrator", fmt.Errorf("no workspace recorded by receive step"))
	}

	backupDir := s.repo.Layout.BackupDir(s.opts.Label)
	if err := os.Rename(wsVal.Str, backupDir); err != nil {
		return perrors.New(perrors.KindDiskSpace, "orchestrator", fmt.Errorf("promote workspace: %w", err))
	}

	if archive.ManifestIncomplete(backupDir) {
		return perrors.New(perrors.KindIntegrity, "orchestrator", fmt.Errorf("backup_manifest incomplete for %s", s.opts.Label))
	}

	backupVal, ok := nodes.Get(workflow.NodeBackup)
	if !ok {
		return perrors.New(perrors.KindProtocol, "orchestrator", fmt.Errorf("no backup record recorded by receive step"))
	}
	b, ok := backupVal.RefBackup.(*repository.Backup)
	if !ok {
		return perrors.New(perrors.KindProtocol, "orchestrator", fmt.Errorf("backup record has unexpected type %T", backupVal.RefBackup))
	}
	return s.repo.SaveBackup(b)
}

func (s *backupPromoteStep) Teardown(ctx context.Context, nodes *workflow.Bag) {}
