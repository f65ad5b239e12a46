package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
	"github.com/pgmoneta-go/pgmoneta/pkg/incrfile"
	"github.com/pgmoneta-go/pgmoneta/pkg/repository"
	"github.com/pgmoneta-go/pgmoneta/pkg/supervisor"
	"github.com/pgmoneta-go/pgmoneta/pkg/workflow"
)

const testPageSize = 4

func openRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Open(t.TempDir(), "srv")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newLock(t *testing.T, repo *repository.Repository) *supervisor.RepositoryLock {
	t.Helper()
	return supervisor.NewRepositoryLock(supervisor.NewServerState("srv"), repo.Layout.Root)
}

// writeManifest writes a minimal backup_manifest at label's BackupDir
// naming one file and its SHA-256 checksum.
func writeManifest(t *testing.T, repo *repository.Repository, label string, files map[string]string) {
	t.Helper()
	type entry struct {
		Path              string `json:"Path"`
		ChecksumAlgorithm string `json:"Checksum-Algorithm"`
		Checksum          string `json:"Checksum"`
	}
	m := struct {
		Files []entry `json:"Files"`
	}{}
	for path, checksum := range files {
		m.Files = append(m.Files, entry{Path: path, ChecksumAlgorithm: "SHA256", Checksum: checksum})
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(repo.Layout.ManifestPath(label), data, 0644))
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestBackupPromoteStepMovesWorkspaceAndSavesBackup(t *testing.T) {
	repo := openRepo(t)
	ws, err := repo.NewWorkspace("L1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "data", "PG_VERSION"), []byte("16"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "backup_manifest"), []byte(`{"Files":[]}`), 0644))

	nodes := workflow.NewBag()
	require.NoError(t, nodes.Insert("receive", workflow.NodeWorkspace, workflow.StringValue(ws)))
	require.NoError(t, nodes.Insert("receive", workflow.NodeBackup, workflow.RefBackupValue(&repository.Backup{
		Label: "L1", Server: "srv", Type: repository.TypeFull, Valid: repository.ValidTrue,
	})))

	step := &backupPromoteStep{repo: repo, opts: BackupOptions{Server: "srv", Label: "L1"}}
	require.NoError(t, step.Execute(context.Background(), nodes))

	b, err := repo.LoadBackup("L1")
	require.NoError(t, err)
	assert.Equal(t, repository.ValidTrue, b.Valid)

	got, err := os.ReadFile(filepath.Join(repo.Layout.DataDir("L1"), "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "16", string(got))
}

func TestBackupPromoteStepFailsWhenManifestIncomplete(t *testing.T) {
	repo := openRepo(t)
	ws, err := repo.NewWorkspace("L1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "backup_manifest.tmp"), []byte("partial"), 0644))

	nodes := workflow.NewBag()
	require.NoError(t, nodes.Insert("receive", workflow.NodeWorkspace, workflow.StringValue(ws)))
	require.NoError(t, nodes.Insert("receive", workflow.NodeBackup, workflow.RefBackupValue(&repository.Backup{
		Label: "L1", Server: "srv", Type: repository.TypeFull, Valid: repository.ValidTrue,
	})))

	step := &backupPromoteStep{repo: repo, opts: BackupOptions{Server: "srv", Label: "L1"}}
	err = step.Execute(context.Background(), nodes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup_manifest incomplete")
}

func TestVerifyWorkflowMarksValidOnMatchingChecksum(t *testing.T) {
	repo := openRepo(t)
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("L1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Layout.DataDir("L1"), "PG_VERSION"), []byte("16"), 0644))
	writeManifest(t, repo, "L1", map[string]string{"PG_VERSION": sha256Hex("16")})
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "L1", Type: repository.TypeFull, Valid: repository.ValidUnknown}))

	var result VerifyResult
	wf := NewVerifyWorkflow(newLock(t, repo), repo, VerifyOptions{Server: "srv", Label: "L1"}, &result)
	require.NoError(t, wf.Run(context.Background(), workflow.NewBag()))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Mismatches)

	b, err := repo.LoadBackup("L1")
	require.NoError(t, err)
	assert.Equal(t, repository.ValidTrue, b.Valid)
}

func TestVerifyWorkflowMarksInvalidOnChecksumMismatch(t *testing.T) {
	repo := openRepo(t)
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("L1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Layout.DataDir("L1"), "PG_VERSION"), []byte("corrupted"), 0644))
	writeManifest(t, repo, "L1", map[string]string{"PG_VERSION": sha256Hex("16")})
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "L1", Type: repository.TypeFull, Valid: repository.ValidUnknown}))

	var result VerifyResult
	wf := NewVerifyWorkflow(newLock(t, repo), repo, VerifyOptions{Server: "srv", Label: "L1"}, &result)
	require.NoError(t, wf.Run(context.Background(), workflow.NewBag()))

	assert.False(t, result.Valid)
	require.Len(t, result.Mismatches, 1)
	assert.Contains(t, result.Mismatches[0], "checksum mismatch")

	b, err := repo.LoadBackup("L1")
	require.NoError(t, err)
	assert.Equal(t, repository.ValidFalse, b.Valid)
}

func TestRestoreWorkflowCopiesPlainFileFromFullBackup(t *testing.T) {
	repo := openRepo(t)
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("FULL"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Layout.DataDir("FULL"), "PG_VERSION"), []byte("16"), 0644))
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "FULL", Type: repository.TypeFull, Valid: repository.ValidTrue}))

	target := t.TempDir()
	wf := NewRestoreWorkflow(newLock(t, repo), repo, RestoreOptions{
		Server: "srv", Label: "FULL", Target: target, PageSize: testPageSize, Workers: 2,
	})
	require.NoError(t, wf.Run(context.Background(), workflow.NewBag()))

	got, err := os.ReadFile(filepath.Join(target, "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "16", string(got))
}

// buildIncrementalFile writes an incrfile-formatted blob directly to path,
// matching the fixture style pkg/reconstruct's own tests use.
func buildIncrementalFile(t *testing.T, path string, truncation uint32, blocks []uint32, fill []byte) {
	t.Helper()
	pages := make([][]byte, len(blocks))
	for i := range blocks {
		p := make([]byte, testPageSize)
		for j := range p {
			p[j] = fill[i]
		}
		pages[i] = p
	}
	var buf bytes.Buffer
	hdr := incrfile.Header{NumBlocks: uint32(len(blocks)), TruncationBlockLength: truncation, BlockNumbers: blocks}
	require.NoError(t, incrfile.WriteFile(&buf, hdr, pages, testPageSize))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func fullPage(n int, fill byte) []byte {
	data := make([]byte, n*testPageSize)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestRestoreWorkflowReconstructsIncrementalChain(t *testing.T) {
	repo := openRepo(t)

	// FULL: relation "16384" is 3 blocks of 'A'.
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("FULL"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Layout.DataDir("FULL"), "16384"), fullPage(3, 'A'), 0644))
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "FULL", Type: repository.TypeFull, Valid: repository.ValidTrue}))

	// INC1: block 1 becomes 'B'.
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("INC1"), 0755))
	buildIncrementalFile(t, filepath.Join(repo.Layout.DataDir("INC1"), "INCREMENTAL.16384"), 3, []uint32{1}, []byte{'B'})
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "INC1", Type: repository.TypeIncremental, Parent: "FULL", Valid: repository.ValidTrue}))

	target := t.TempDir()
	wf := NewRestoreWorkflow(newLock(t, repo), repo, RestoreOptions{
		Server: "srv", Label: "INC1", Target: target, PageSize: testPageSize, Workers: 0,
	})
	require.NoError(t, wf.Run(context.Background(), workflow.NewBag()))

	got, err := os.ReadFile(filepath.Join(target, "16384"))
	require.NoError(t, err)
	want := fullPage(3, 'A')
	for i := 0; i < testPageSize; i++ {
		want[testPageSize+i] = 'B' // block 1
	}
	assert.Equal(t, want, got)
}

func TestParseLabelFileContents(t *testing.T) {
	raw := "START WAL LOCATION: 0/3000028 (file 000000010000000000000003)\n" +
		"CHECKPOINT LOCATION: 0/3000060\n" +
		"BACKUP METHOD: streamed\n" +
		"START TIME: 2024-01-01 00:00:00 GMT\n" +
		"LABEL: myBackup\n" +
		"START TIMELINE: 1\n"

	got := parseLabelFileContents(raw)
	assert.Equal(t, "0/3000028", got.StartWALLocation)
	assert.Equal(t, "0/3000060", got.CheckpointLocation)
	assert.Equal(t, "streamed", got.BackupMethod)
	assert.Equal(t, "myBackup", got.Label)
	assert.Equal(t, "1", got.StartTimeline)
}

func TestArchiveWorkflowProducesExtractableTar(t *testing.T) {
	repo := openRepo(t)
	require.NoError(t, os.MkdirAll(repo.Layout.DataDir("FULL"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Layout.DataDir("FULL"), "PG_VERSION"), []byte("16"), 0644))
	require.NoError(t, repo.SaveBackup(&repository.Backup{Label: "FULL", Type: repository.TypeFull, Valid: repository.ValidTrue}))

	outPath := filepath.Join(t.TempDir(), "full.tar")
	wf := NewArchiveWorkflow(newLock(t, repo), repo, ArchiveOptions{
		Server: "srv", Label: "FULL", OutputPath: outPath, Compression: codec.None, PageSize: testPageSize,
	})
	require.NoError(t, wf.Run(context.Background(), workflow.NewBag()))

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "PG_VERSION", hdr.Name)

	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "16", string(content))
}
