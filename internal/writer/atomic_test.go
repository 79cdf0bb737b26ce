package writer_test

import (
	"bytes"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rconfd/internal/logging"
	"github.com/systmms/rconfd/internal/writer"
)

func TestWriteCreatesNewFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.conf")

	w := &writer.Writer{}
	changed, err := w.Write(writer.FileSpec{Path: path, Content: []byte("hello"), Mode: 0o644})
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteLogsNoWarningWhenOwnerMatchesCurrentUser(t *testing.T) {
	t.Parallel()

	current, err := user.Current()
	require.NoError(t, err)

	var buf bytes.Buffer
	w := &writer.Writer{Logger: logging.NewWriter(&buf, false, true)}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	_, err = w.Write(writer.FileSpec{Path: path, Content: []byte("x"), Mode: 0o644, User: current.Username})
	require.NoError(t, err)

	assert.Empty(t, buf.String())
}

func TestWriteLogsNoWarningWhenOwnerUnresolvable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := &writer.Writer{Logger: logging.NewWriter(&buf, false, true)}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	_, err := w.Write(writer.FileSpec{Path: path, Content: []byte("x"), Mode: 0o644, User: "rconfd-test-nonexistent-user"})
	require.NoError(t, err)

	assert.Empty(t, buf.String())
}

func TestWriteSkipsOwnerCheckWhenLoggerNil(t *testing.T) {
	t.Parallel()

	w := &writer.Writer{}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	_, err := w.Write(writer.FileSpec{Path: path, Content: []byte("x"), Mode: 0o644, User: "root"})
	require.NoError(t, err)
}

func TestWriteIsIdempotentWhenContentUnchanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	w := &writer.Writer{}

	changed, err := w.Write(writer.FileSpec{Path: path, Content: []byte("same"), Mode: 0o644})
	require.NoError(t, err)
	assert.True(t, changed)

	info1, err := os.Stat(path)
	require.NoError(t, err)

	changed, err = w.Write(writer.FileSpec{Path: path, Content: []byte("same"), Mode: 0o644})
	require.NoError(t, err)
	assert.False(t, changed)

	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestWriteReplacesChangedContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	w := &writer.Writer{}

	_, err := w.Write(writer.FileSpec{Path: path, Content: []byte("v1"), Mode: 0o644})
	require.NoError(t, err)

	changed, err := w.Write(writer.FileSpec{Path: path, Content: []byte("v2"), Mode: 0o644})
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestWritePreservesPriorContentOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	w := &writer.Writer{}

	_, err := w.Write(writer.FileSpec{Path: path, Content: []byte("original"), Mode: 0o644})
	require.NoError(t, err)

	// Make the directory read-only so creating the temp file in it fails,
	// without disturbing the already-written file's readability.
	require.NoError(t, os.Chmod(dir, 0o500))
	defer os.Chmod(dir, 0o700)

	_, err = w.Write(writer.FileSpec{Path: path, Content: []byte("changed"), Mode: 0o644})
	require.Error(t, err)

	require.NoError(t, os.Chmod(dir, 0o700))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestWriteDefaultsModeWhenZero(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.conf")
	w := &writer.Writer{}

	_, err := w.Write(writer.FileSpec{Path: path, Content: []byte("x")})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}
