package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "agent.pid")
	assert.NilError(t, Write(path, os.Getpid()))

	pid, err := Read(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(os.Getpid(), pid))

	// Rewriting our own pid is allowed.
	assert.NilError(t, Write(path, os.Getpid()))
}

func TestWriteRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	assert.NilError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	err := Write(path, os.Getpid())
	assert.Check(t, is.ErrorType(err, cerrdefs.IsConflict))
}

func TestWriteInvalid(t *testing.T) {
	err := Write(filepath.Join(t.TempDir(), "agent.pid"), 0)
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
}

func TestReadStale(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"garbage": "not a pid",
		"zero":    "0",
		"stale":   "2147483646",
	} {
		path := filepath.Join(dir, name)
		assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
		pid, err := Read(path)
		assert.NilError(t, err, name)
		assert.Check(t, is.Equal(0, pid), name)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	assert.NilError(t, Write(path, os.Getpid()))
	assert.NilError(t, Remove(path))
	assert.NilError(t, Remove(path))
	_, err := os.Stat(path)
	assert.Check(t, os.IsNotExist(err))
}
