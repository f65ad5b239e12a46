package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// Repository is one server's backup repository: the canonical flat-file
// layout of §4.11 plus the bbolt catalog cache of SPEC_FULL.md §C.1.
type Repository struct {
	Server  string
	Layout  Layout
	Catalog *Catalog
}

// Open opens (or initializes) the repository for server under baseDir,
// rebuilding the catalog from a directory scan if its generation marker is
// stale or missing (§C.1: "rebuilt by a full directory scan on startup if
// its on-disk generation marker doesn't match a marker file written at
// clean shutdown").
func Open(baseDir, server string) (*Repository, error) {
	layout := NewLayout(baseDir, server)
	if err := os.MkdirAll(filepath.Join(layout.Root, "backup"), 0755); err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	if err := os.MkdirAll(layout.WALDir(), 0755); err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	if err := os.MkdirAll(filepath.Join(layout.Root, "workspace"), 0755); err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}

	catalog, err := OpenCatalog(layout)
	if err != nil {
		return nil, err
	}

	r := &Repository{Server: server, Layout: layout, Catalog: catalog}
	if err := r.rebuildIfStale(); err != nil {
		catalog.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the catalog's bbolt handle and writes the clean-shutdown
// generation marker.
func (r *Repository) Close() error {
	marker, err := r.currentGeneration()
	if err == nil {
		_ = os.WriteFile(r.Layout.CatalogGenerationMarkerPath(), []byte(marker), 0644)
	}
	return r.Catalog.Close()
}

// currentGeneration is a cheap fingerprint of the backup directory's
// contents (entry count + sorted names; mtimes are not included), used only
// to decide whether a rescan is
// needed, not as a content hash.
func (r *Repository) currentGeneration() (string, error) {
	dir := filepath.Join(r.Layout.Root, "backup")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "empty", nil
		}
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return fmt.Sprintf("%d:%v", len(names), names), nil
}

func (r *Repository) rebuildIfStale() error {
	marker, err := r.currentGeneration()
	if err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	onDisk, readErr := os.ReadFile(r.Layout.CatalogGenerationMarkerPath())
	if readErr == nil && string(onDisk) == marker {
		return nil
	}
	return r.Rescan()
}

// Rescan walks every backup.info on disk and repopulates the catalog from
// it, since backup.info is always authoritative (§C.1).
func (r *Repository) Rescan() error {
	dir := filepath.Join(r.Layout.Root, "backup")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r.Catalog.Rebuild(nil)
		}
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}

	var backups []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		label := e.Name()
		infoPath := r.Layout.InfoPath(label)
		if _, err := os.Stat(infoPath); err != nil {
			continue
		}
		b, _, err := ReadInfo(infoPath)
		if err != nil {
			continue
		}
		b.Label = label
		b.Server = r.Server
		backups = append(backups, b)
	}
	return r.Catalog.Rebuild(backups)
}

// SaveBackup writes b's backup.info to disk and updates the catalog,
// keeping whatever unrecognized keys b's backup.info already had.
func (r *Repository) SaveBackup(b *Backup) error {
	if err := os.MkdirAll(r.Layout.BackupDir(b.Label), 0755); err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	_, unknown, _ := ReadInfo(r.Layout.InfoPath(b.Label))
	if err := WriteInfo(r.Layout.InfoPath(b.Label), b, unknown); err != nil {
		return err
	}
	return r.Catalog.PutBackup(b)
}

// LoadBackup reads one backup's current state from backup.info on disk,
// which is authoritative, and repairs the catalog entry if it is missing or
// disagrees. A missing backup.info is an error even if the catalog has an
// entry.
func (r *Repository) LoadBackup(label string) (*Backup, error) {
	onDisk, _, err := ReadInfo(r.Layout.InfoPath(label))
	if err != nil {
		return nil, err
	}
	onDisk.Label = label
	onDisk.Server = r.Server

	cached, ok, err := r.Catalog.GetBackup(label)
	if err != nil {
		return nil, err
	}
	if !ok || !backupsMatch(cached, onDisk) {
		if err := r.Catalog.PutBackup(onDisk); err != nil {
			return nil, err
		}
	}
	return onDisk, nil
}

func backupsMatch(a, b *Backup) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Valid == b.Valid && a.EndLSN == b.EndLSN && a.Parent == b.Parent
}

// ListBackups returns every backup known to the catalog, ordered by label.
// desc reverses the order (§8 scenario S6: "-s desc" yields lexicographically
// descending order).
func (r *Repository) ListBackups(desc bool) ([]*Backup, error) {
	backups, err := r.Catalog.ListBackups()
	if err != nil {
		return nil, err
	}
	sort.Slice(backups, func(i, j int) bool {
		if desc {
			return backups[i].Label > backups[j].Label
		}
		return backups[i].Label < backups[j].Label
	})
	return backups, nil
}

// DeleteBackup removes a backup's directory tree and catalog entry. Callers
// are expected to hold the repository single-writer lock
// (pkg/supervisor.RepositoryLock) for the duration.
func (r *Repository) DeleteBackup(label string) error {
	if err := os.RemoveAll(r.Layout.BackupDir(label)); err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	return r.Catalog.DeleteBackup(label)
}

// AncestorChain walks parent links starting at label, newest first,
// stopping at a FULL backup. It aborts with KindMissingAncestor if a
// parent label doesn't exist, and with the same kind (LoopInAncestors per
// §9's design note: "the ancestor chain is a strict list, never cyclic;
// enforce by construction") if a label reappears.
func (r *Repository) AncestorChain(label string) ([]*Backup, error) {
	seen := make(map[string]bool)
	var chain []*Backup

	cur := label
	for {
		if seen[cur] {
			return nil, perrors.Newf(perrors.KindMissingAncestor, "repository", "LoopInAncestors: %q reappears in ancestor chain", cur)
		}
		seen[cur] = true

		b, err := r.LoadBackup(cur)
		if err != nil {
			return nil, perrors.Newf(perrors.KindMissingAncestor, "repository", "ancestor %q not found: %v", cur, err)
		}
		chain = append(chain, b)
		if b.IsFull() {
			return chain, nil
		}
		if b.Parent == "" {
			return nil, perrors.Newf(perrors.KindMissingAncestor, "repository", "incremental backup %q has no parent", cur)
		}
		cur = b.Parent
	}
}

// NewWorkspace creates a fresh scratch directory for one reconstruction
// run, named with a random suffix (google/uuid, per SPEC_FULL.md §B) so
// concurrent workspaces for the same label never collide.
func (r *Repository) NewWorkspace(label string) (string, error) {
	dir := r.Layout.WorkspaceDir(label + "-" + uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	return dir, nil
}

// DiscardWorkspace removes a workspace directory (glossary: "deleted after
// success, left in place after failure for inspection").
func DiscardWorkspace(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	return nil
}
