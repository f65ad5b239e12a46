package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmoneta-go/pgmoneta/internal/codec"
)

func buildTar(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestReceiveTablespaceWritesFilesUncompressed(t *testing.T) {
	dir := t.TempDir()
	tarBuf := buildTar(t, map[string]string{
		"PG_VERSION": "16",
		"base/1/1259": "data",
	})

	rv := Receiver{TargetDir: dir, Compression: codec.None}
	require.NoError(t, rv.ReceiveTablespace(tarBuf))

	got, err := os.ReadFile(filepath.Join(dir, "PG_VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "16", string(got))
}

func TestReceiveTablespaceAppliesCompressionSuffix(t *testing.T) {
	dir := t.TempDir()
	tarBuf := buildTar(t, map[string]string{"PG_VERSION": "16"})

	rv := Receiver{TargetDir: dir, Compression: codec.Gzip}
	require.NoError(t, rv.ReceiveTablespace(tarBuf))

	_, err := os.Stat(filepath.Join(dir, "PG_VERSION.gz"))
	assert.NoError(t, err)
}

func TestReceiveManifestRenamesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	manifest := bytes.NewBufferString(`{"PostgreSQL-Backup-Manifest-Version":1}`)

	require.NoError(t, ReceiveManifest(dir, manifest))

	_, err := os.Stat(filepath.Join(dir, "backup_manifest"))
	assert.NoError(t, err)
	assert.False(t, ManifestIncomplete(dir))
}

func TestManifestIncompleteWhenOnlyTmpExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup_manifest.tmp"), []byte("partial"), 0644))

	assert.True(t, ManifestIncomplete(dir))
}

func TestIncrementalFileName(t *testing.T) {
	assert.Equal(t, "INCREMENTAL.16384", IncrementalFileName("16384"))
}
