package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/pkg/walfmt"
)

func mustOpen(t *testing.T, baseDir string) *Repository {
	t.Helper()
	repo, err := Open(baseDir, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSaveAndLoadBackupRoundTrips(t *testing.T) {
	repo := mustOpen(t, t.TempDir())

	b := &Backup{
		Label:         "20240101T000000",
		Server:        "s1",
		Type:          TypeFull,
		Valid:         ValidTrue,
		StartLSN:      walfmt.LSN(0x1000000),
		EndLSN:        walfmt.LSN(0x2000000),
		StartTimeline: 1,
		EndTimeline:   1,
		Tablespaces:   []Tablespace{{Name: "ts1", OID: 16400, Path: "/data/ts1"}},
		Keep:          true,
	}
	require.NoError(t, repo.SaveBackup(b))

	loaded, err := repo.LoadBackup("20240101T000000")
	require.NoError(t, err)
	assert.Equal(t, b.Type, loaded.Type)
	assert.Equal(t, b.StartLSN, loaded.StartLSN)
	assert.Equal(t, b.EndLSN, loaded.EndLSN)
	assert.True(t, loaded.Keep)
	require.Len(t, loaded.Tablespaces, 1)
	assert.Equal(t, "ts1", loaded.Tablespaces[0].Name)
}

func TestWriteInfoPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "backup.info")

	b := &Backup{Label: "L1", Type: TypeFull, Valid: ValidTrue}
	require.NoError(t, WriteInfo(infoPath, b, map[string]string{"future_field": "v1"}))

	loaded, unknown, err := ReadInfo(infoPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", unknown["future_field"])

	// Rewriting a backup loaded with an unknown-key overlay must not drop
	// it (§4.11: "unknown keys are preserved on rewrite").
	require.NoError(t, WriteInfo(infoPath, loaded, unknown))
	_, unknown2, err := ReadInfo(infoPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", unknown2["future_field"])
}

func TestReadInfoRejectsUnknownBackupType(t *testing.T) {
	dir := t.TempDir()
	infoPath := filepath.Join(dir, "backup.info")

	b := &Backup{Label: "L1", Type: "BOGUS", Valid: ValidTrue}
	require.NoError(t, WriteInfo(infoPath, b, nil))

	_, _, err := ReadInfo(infoPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backup type")
}

func TestListBackupsOrderingScenarioS6(t *testing.T) {
	repo := mustOpen(t, t.TempDir())

	for _, label := range []string{"20240101T000000", "20240102T000000", "20240103T000000"} {
		require.NoError(t, repo.SaveBackup(&Backup{Label: label, Type: TypeFull, Valid: ValidTrue}))
	}

	asc, err := repo.ListBackups(false)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "20240101T000000", asc[0].Label)
	assert.Equal(t, "20240103T000000", asc[2].Label)

	desc, err := repo.ListBackups(true)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, "20240103T000000", desc[0].Label)
	assert.Equal(t, "20240101T000000", desc[2].Label)
}

func TestAncestorChainWalksToFull(t *testing.T) {
	repo := mustOpen(t, t.TempDir())

	require.NoError(t, repo.SaveBackup(&Backup{Label: "full", Type: TypeFull, Valid: ValidTrue}))
	require.NoError(t, repo.SaveBackup(&Backup{Label: "inc1", Type: TypeIncremental, Parent: "full", Valid: ValidTrue}))
	require.NoError(t, repo.SaveBackup(&Backup{Label: "inc2", Type: TypeIncremental, Parent: "inc1", Valid: ValidTrue}))

	chain, err := repo.AncestorChain("inc2")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "inc2", chain[0].Label)
	assert.Equal(t, "inc1", chain[1].Label)
	assert.Equal(t, "full", chain[2].Label)
	assert.True(t, chain[2].IsFull())
}

func TestAncestorChainDetectsLoop(t *testing.T) {
	repo := mustOpen(t, t.TempDir())

	require.NoError(t, repo.SaveBackup(&Backup{Label: "a", Type: TypeIncremental, Parent: "b", Valid: ValidTrue}))
	require.NoError(t, repo.SaveBackup(&Backup{Label: "b", Type: TypeIncremental, Parent: "a", Valid: ValidTrue}))

	_, err := repo.AncestorChain("a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LoopInAncestors")
}

func TestAncestorChainMissingParentFails(t *testing.T) {
	repo := mustOpen(t, t.TempDir())
	require.NoError(t, repo.SaveBackup(&Backup{Label: "orphan", Type: TypeIncremental, Parent: "nonexistent", Valid: ValidTrue}))

	_, err := repo.AncestorChain("orphan")
	require.Error(t, err)
}

func TestRescanRebuildsCatalogFromDiskWhenMarkerStale(t *testing.T) {
	base := t.TempDir()
	repo, err := Open(base, "s1")
	require.NoError(t, err)
	require.NoError(t, repo.SaveBackup(&Backup{Label: "l1", Type: TypeFull, Valid: ValidTrue}))
	markerPath := repo.Layout.CatalogGenerationMarkerPath()
	require.NoError(t, repo.Close())

	// Simulate an unclean shutdown: the marker is missing, so reopening
	// must fall back to a full directory scan rather than trusting a
	// (nonexistent) clean-shutdown snapshot.
	require.NoError(t, os.Remove(markerPath))

	reopened, err := Open(base, "s1")
	require.NoError(t, err)
	defer reopened.Close()

	backups, err := reopened.Catalog.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "l1", backups[0].Label)
}

func TestNewWorkspaceCreatesUniqueDirectories(t *testing.T) {
	repo := mustOpen(t, t.TempDir())

	w1, err := repo.NewWorkspace("label1")
	require.NoError(t, err)
	w2, err := repo.NewWorkspace("label1")
	require.NoError(t, err)
	assert.NotEqual(t, w1, w2)

	info, err := os.Stat(w1)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, DiscardWorkspace(w1))
	_, err = os.Stat(w1)
	assert.True(t, os.IsNotExist(err))
}
