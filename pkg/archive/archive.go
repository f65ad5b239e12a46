// Package archive implements the C7 archive receiver: draining BASE_BACKUP
// tar streams into the backup directory, including per-tablespace streams
// and the manifest (§4.7).
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Receiver drains one tablespace's tar stream into a target directory,
// applying the server-requested compression to each regular file it
// writes.
type Receiver struct {
	TargetDir   string
	Compression codec.Kind
}

// ReceiveTablespace reads r as a tar stream and writes its contents under
// Receiver.TargetDir, creating directories on demand (§4.7).
func (rv Receiver) ReceiveTablespace(r io.Reader) error {
	compressor, err := codec.For(rv.Compression)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return perrors.New(perrors.KindNetwork, "archive", fmt.Errorf("read tar entry: %w", err))
		}

		target := filepath.Join(rv.TargetDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return perrors.New(perrors.KindDiskSpace, "archive", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return perrors.New(perrors.KindDiskSpace, "archive", err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return perrors.New(perrors.KindDiskSpace, "archive", err)
			}
		case tar.TypeReg:
			if err := rv.writeRegularFile(target, tr, compressor); err != nil {
				return err
			}
		default:
			continue
		}
	}
}

func (rv Receiver) writeRegularFile(target string, r io.Reader, compressor codec.Compressor) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return perrors.New(perrors.KindDiskSpace, "archive", err)
	}

	if compressor.Kind() != codec.None {
		target += "." + compressor.Kind().String()
	}

	f, err := os.Create(target)
	if err != nil {
		return perrors.New(perrors.KindDiskSpace, "archive", err)
	}
	defer f.Close()

	w, err := compressor.NewWriter(f)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		os.Remove(target)
		return perrors.New(perrors.KindDiskSpace, "archive", fmt.Errorf("write %s: %w", target, err))
	}
	if err := w.Close(); err != nil {
		os.Remove(target)
		return perrors.New(perrors.KindDiskSpace, "archive", err)
	}
	return nil
}

// ReceiveManifest streams the manifest to dataDir/backup_manifest.tmp and
// renames it to backup_manifest only on full success. An interrupted
// receive leaves the .tmp file in place so the backup can be marked
// invalid (§4.7).
func ReceiveManifest(dataDir string, manifest io.Reader) error {
	tmpPath := filepath.Join(dataDir, "backup_manifest.tmp")
	finalPath := filepath.Join(dataDir, "backup_manifest")

	f, err := os.Create(tmpPath)
	if err != nil {
		return perrors.New(perrors.KindDiskSpace, "archive", err)
	}

	if _, err := io.Copy(f, manifest); err != nil {
		f.Close()
		return perrors.New(perrors.KindDiskSpace, "archive", fmt.Errorf("write manifest: %w", err))
	}
	if err := f.Close(); err != nil {
		return perrors.New(perrors.KindDiskSpace, "archive", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return perrors.New(perrors.KindDiskSpace, "archive", fmt.Errorf("rename manifest: %w", err))
	}
	return nil
}

// ManifestIncomplete reports whether dataDir still has a dangling
// backup_manifest.tmp, meaning a prior receive was interrupted and the
// backup must be treated as invalid (§6: "A backup whose
// data/backup_manifest.tmp exists is considered invalid").
func ManifestIncomplete(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "backup_manifest.tmp"))
	return err == nil
}

// IncrementalFileName renders the on-disk name for an incremental file of
// the given base relation file name (§6: "Incremental-backup files are
// named INCREMENTAL.<basename> in the backup's data tree").
func IncrementalFileName(basename string) string {
	return "INCREMENTAL." + basename
}
