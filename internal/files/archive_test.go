package files

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := make(map[string]string)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		if h.Typeflag == tar.TypeDir {
			out[h.Name] = "<dir>"
			continue
		}
		out[h.Name] = string(body)
	}
	return out
}

func TestWriteArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "boltz_output", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job_info.json"), []byte(`{"status":"completed"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boltz_output", "nested", "model.pdb"), []byte("ATOM\n"), 0o644))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "link")))

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(context.Background(), &buf, dir, "job-1"))

	assert.Equal(t, map[string]string{
		"job-1/":                              "<dir>",
		"job-1/job_info.json":                 `{"status":"completed"}`,
		"job-1/boltz_output/":                 "<dir>",
		"job-1/boltz_output/nested/":          "<dir>",
		"job-1/boltz_output/nested/model.pdb": "ATOM\n",
	}, readArchive(t, buf.Bytes()))
}

func TestWriteArchive_NoPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(context.Background(), &buf, dir, ""))
	assert.Equal(t, map[string]string{"a.txt": "a"}, readArchive(t, buf.Bytes()))
}

func TestWriteArchive_Cancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WriteArchive(ctx, io.Discard, dir, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteArchive_MissingDir(t *testing.T) {
	t.Parallel()
	err := WriteArchive(context.Background(), io.Discard, filepath.Join(t.TempDir(), "missing"), "x")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
