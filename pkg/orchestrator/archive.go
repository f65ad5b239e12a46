package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
	"github.com/pgmoneta-go/pgmoneta/pkg/reconstruct"
	"github.com/pgmoneta-go/pgmoneta/pkg/repository"
	"github.com/pgmoneta-go/pgmoneta/pkg/supervisor"
	"github.com/pgmoneta-go/pgmoneta/pkg/workflow"
)

// ArchiveOptions configures one archive run: a reconstructed, single-file
// tar of a backup (optionally compressed) written to OutputPath, for
// off-site storage or transport, as opposed to restore's loose-file
// directory output.
type ArchiveOptions struct {
	Server      string
	Label       string
	OutputPath  string
	Compression codec.Kind
	PageSize    int
}

// NewArchiveWorkflow assembles the archive chain: acquire the repository
// lock, resolve label's ancestor chain (shared with restore), then stream
// every reconstructed relation file into one tar, compressed per
// opts.Compression.
func NewArchiveWorkflow(lock *supervisor.RepositoryLock, repo *repository.Repository, opts ArchiveOptions) *workflow.Workflow {
	return workflow.New([]workflow.Step{
		&lockStep{lock: lock, op: supervisor.OpArchive},
		&restoreChainStep{repo: repo, opts: RestoreOptions{Server: opts.Server, Label: opts.Label, PageSize: opts.PageSize}},
		&archiveTarStep{repo: repo, opts: opts},
	})
}

// archiveTarStep reconstructs every relation file of the backup chain
// named by the bag's NodeLabels and writes each one as a tar entry, in the
// same order a plain filesystem walk of the latest backup's data
// directory would produce. Unlike restoreReconstructStep this writes
// sequentially: tar.Writer is not safe for concurrent Write calls from a
// worker pool.
type archiveTarStep struct {
	repo *repository.Repository
	opts ArchiveOptions
}

func (s *archiveTarStep) Name() string { return "archive-tar" }

func (s *archiveTarStep) Setup(ctx context.Context, nodes *workflow.Bag) error {
	return os.MkdirAll(filepath.Dir(s.opts.OutputPath), 0755)
}

func (s *archiveTarStep) Execute(ctx context.Context, nodes *workflow.Bag) error {
	labelsVal, ok := nodes.Get(workflow.NodeLabels)
	if !ok {
		return perrors.New(perrors.KindProtocol, "orchestrator", fmt.Errorf("no ancestor chain recorded by chain step"))
	}
	labels := labelsVal.RefStrings
	if len(labels) == 0 {
		return perrors.New(perrors.KindMissingAncestor, "orchestrator", fmt.Errorf("empty ancestor chain for %s", s.opts.Label))
	}

	compressions := make([]codec.Kind, len(labels))
	for i, label := range labels {
		b, err := s.repo.LoadBackup(label)
		if err != nil {
			return err
		}
		compressions[i] = b.Compression
	}

	out, err := os.Create(s.opts.OutputPath)
	if err != nil {
		return perrors.New(perrors.KindDiskSpace, "orchestrator", err)
	}
	defer out.Close()

	archiveCompressor, err := codec.For(s.opts.Compression)
	if err != nil {
		return err
	}
	cw, err := archiveCompressor.NewWriter(out)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)

	latestDataDir := s.repo.Layout.DataDir(labels[0])
	walkErr := filepath.Walk(latestDataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(latestDataDir, path)
		if err != nil {
			return err
		}
		return s.writeEntry(tw, labels, compressions, rel)
	})
	if walkErr != nil {
		tw.Close()
		cw.Close()
		os.Remove(s.opts.OutputPath)
		return perrors.New(perrors.KindDiskSpace, "orchestrator", walkErr)
	}

	if err := tw.Close(); err != nil {
		cw.Close()
		os.Remove(s.opts.OutputPath)
		return perrors.New(perrors.KindDiskSpace, "orchestrator", err)
	}
	if err := cw.Close(); err != nil {
		os.Remove(s.opts.OutputPath)
		return perrors.New(perrors.KindDiskSpace, "orchestrator", err)
	}
	return nil
}

func (s *archiveTarStep) Teardown(ctx context.Context, nodes *workflow.Bag) {}

// writeEntry reconstructs (or plain-reads) one relation file and writes it
// as a single tar entry named rel, the same layout restore produces on
// disk, so an archived tar can be extracted directly into a data
// directory.
func (s *archiveTarStep) writeEntry(tw *tar.Writer, labels []string, compressions []codec.Kind, rel string) error {
	dir, base := filepath.Split(rel)

	var data []byte
	var entryName string

	if !strings.HasPrefix(base, incrementalPrefix) {
		d, closer, err := readCompressed(filepath.Join(s.repo.Layout.DataDir(labels[0]), rel), compressions[0])
		if err != nil {
			return err
		}
		defer closer()
		data = d
		entryName = rel
	} else {
		relFile := strings.TrimPrefix(base, incrementalPrefix)
		entryName = filepath.Join(dir, relFile)

		latestPath := filepath.Join(s.repo.Layout.DataDir(labels[0]), rel)
		latestData, closeLatest, err := readCompressed(latestPath, compressions[0])
		if err != nil {
			return err
		}
		defer closeLatest()

		latestSrc, err := reconstruct.NewIncrementalSource(latestData, s.opts.PageSize)
		if err != nil {
			return err
		}

		var ancestors []reconstruct.Ancestor
		for i := 1; i < len(labels); i++ {
			dataDir := s.repo.Layout.DataDir(labels[i])
			incPath := filepath.Join(dataDir, dir, incrementalPrefix+relFile)
			fullPath := filepath.Join(dataDir, dir, relFile)

			if d, err := readIfExists(incPath, compressions[i]); err != nil {
				return err
			} else if d != nil {
				src, err := reconstruct.NewIncrementalSource(d, s.opts.PageSize)
				if err != nil {
					return err
				}
				ancestors = append(ancestors, reconstruct.Ancestor{Label: labels[i], Incremental: src})
				continue
			}

			d, err := readIfExists(fullPath, compressions[i])
			if err != nil {
				return err
			}
			if d == nil {
				return perrors.Newf(perrors.KindMissingAncestor, "orchestrator", "relation %q missing from ancestor %q", relFile, labels[i])
			}
			ancestors = append(ancestors, reconstruct.Ancestor{Label: labels[i], Full: reconstruct.NewFullSource(d, s.opts.PageSize)})
			break
		}

		var buf bytes.Buffer
		if err := reconstruct.Reconstruct(&buf, reconstruct.RebuildFull, latestSrc, ancestors, s.opts.PageSize); err != nil {
			return err
		}
		data = buf.Bytes()
	}

	hdr := &tar.Header{
		Name: filepath.ToSlash(entryName),
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return perrors.New(perrors.KindDiskSpace, "orchestrator", err)
	}
	if _, err := tw.Write(data); err != nil {
		return perrors.New(perrors.KindDiskSpace, "orchestrator", err)
	}
	return nil
}
