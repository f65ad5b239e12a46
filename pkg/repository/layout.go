// Package repository implements the C11 on-disk backup repository: the
// flat-file layout of §4.11 (backup.info, wal/, workspace/, tablespace
// symlinks), a bbolt-backed catalog that accelerates list/retention scans
// over that layout, and the ancestor-chain walk incremental restores need.
package repository

import (
	"path/filepath"
)

// Layout resolves every path under one server's repository root
// (<base>/<server>/, per §4.11).
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at baseDir/server.
func NewLayout(baseDir, server string) Layout {
	return Layout{Root: filepath.Join(baseDir, server)}
}

// BackupDir is <root>/backup/<label>/.
func (l Layout) BackupDir(label string) string {
	return filepath.Join(l.Root, "backup", label)
}

// DataDir is <root>/backup/<label>/data/.
func (l Layout) DataDir(label string) string {
	return filepath.Join(l.BackupDir(label), "data")
}

// InfoPath is <root>/backup/<label>/backup.info.
func (l Layout) InfoPath(label string) string {
	return filepath.Join(l.BackupDir(label), "backup.info")
}

// ManifestPath is <root>/backup/<label>/backup_manifest.
func (l Layout) ManifestPath(label string) string {
	return filepath.Join(l.BackupDir(label), "backup_manifest")
}

// ExtraDir is <root>/backup/<label>/extra/.
func (l Layout) ExtraDir(label string) string {
	return filepath.Join(l.BackupDir(label), "extra")
}

// WALDir is <root>/wal/.
func (l Layout) WALDir() string {
	return filepath.Join(l.Root, "wal")
}

// WorkspaceDir is <root>/workspace/<label>/.
func (l Layout) WorkspaceDir(label string) string {
	return filepath.Join(l.Root, "workspace", label)
}

// TablespaceDir is <root>/../<server>-<label>-<tblspc>, the restored
// tablespace symlink target named by §4.11's
// "<server>-<label>-<tblspc>/" entry (a sibling of the server's own
// directory, not nested under it, since it is a restore target rather
// than part of the repository proper).
func (l Layout) TablespaceDir(server, label, tblspc string) string {
	return filepath.Join(filepath.Dir(l.Root), server+"-"+label+"-"+tblspc)
}

// CatalogPath is <root>/catalog.db (SPEC_FULL.md §C.1).
func (l Layout) CatalogPath() string {
	return filepath.Join(l.Root, "catalog.db")
}

// CatalogGenerationMarkerPath is the clean-shutdown marker §C.1 compares
// against to decide whether the catalog needs a full rebuild on startup.
func (l Layout) CatalogGenerationMarkerPath() string {
	return filepath.Join(l.Root, ".catalog-generation")
}
