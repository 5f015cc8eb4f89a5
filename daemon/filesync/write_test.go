package filesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func request(path string, data string) Request {
	return Request{
		Path: path,
		Data: []byte(data),
		Mode: 0o640,
		UID:  os.Getuid(),
		GID:  os.Getgid(),
	}
}

func TestWriteFileCreates(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	relabel := NewRelabelSet()

	changed, err := WriteFile(context.Background(), request(target, "root:::\n"), relabel)
	assert.NilError(t, err)
	assert.Check(t, changed)
	assert.Check(t, is.DeepEqual([]string{target}, relabel.Paths()))

	b, err := os.ReadFile(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("root:::\n", string(b)))
	st, err := os.Stat(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(os.FileMode(0o640), st.Mode().Perm()))
}

func TestWriteFileIdempotent(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	backupPath := dir.Join("gshadow-")
	req := request(target, "root:::\n")
	req.BackupPath = backupPath

	assert.NilError(t, os.WriteFile(target, []byte("old\n"), 0o600))

	changed, err := WriteFile(context.Background(), req, nil)
	assert.NilError(t, err)
	assert.Check(t, changed)
	b, err := os.ReadFile(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("old\n", string(b)))

	// Replace the backup with a marker: an unchanged write must not rotate it.
	assert.NilError(t, os.Remove(backupPath))
	assert.NilError(t, os.WriteFile(backupPath, []byte("marker"), 0o600))
	relabel := NewRelabelSet()

	changed, err = WriteFile(context.Background(), req, relabel)
	assert.NilError(t, err)
	assert.Check(t, !changed)
	assert.Check(t, is.Equal(0, relabel.Len()))
	b, err = os.ReadFile(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("marker", string(b)))
}

func TestWriteFileModeChangeOnly(t *testing.T) {
	dir := fs.NewDir(t, "filesync", fs.WithFile("motd", "hello\n", fs.WithMode(0o644)))
	target := dir.Join("motd")

	changed, err := WriteFile(context.Background(), request(target, "hello\n"), nil)
	assert.NilError(t, err)
	assert.Check(t, changed)
	st, err := os.Stat(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(os.FileMode(0o640), st.Mode().Perm()))
}

func TestWriteFileRotatesBackup(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	backupPath := dir.Join("gshadow-")
	assert.NilError(t, os.WriteFile(backupPath, []byte("ancient\n"), 0o600))
	assert.NilError(t, os.WriteFile(target, []byte("v1\n"), 0o640))

	req := request(target, "v2\n")
	req.BackupPath = backupPath
	changed, err := WriteFile(context.Background(), req, nil)
	assert.NilError(t, err)
	assert.Check(t, changed)

	b, err := os.ReadFile(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("v1\n", string(b)))
	b, err = os.ReadFile(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("v2\n", string(b)))
}

func TestWriteFileFailureLeavesTargetIntact(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	assert.NilError(t, os.WriteFile(target, []byte("intact\n"), 0o640))

	// A backup path in a missing directory makes the transaction fail after
	// the temporary file has been written.
	req := request(target, "replacement\n")
	req.BackupPath = filepath.Join(dir.Path(), "missing", "gshadow-")
	changed, err := WriteFile(context.Background(), req, nil)
	assert.Check(t, err != nil)
	assert.Check(t, !changed)

	b, err := os.ReadFile(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("intact\n", string(b)))

	entries, err := os.ReadDir(dir.Path())
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 1), "temporary file was not cleaned up")
}

func TestWriteFileBackupFailureKeepsOldBackup(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	backupPath := dir.Join("gshadow-")
	assert.NilError(t, os.WriteFile(backupPath, []byte("previous\n"), 0o600))
	assert.NilError(t, os.WriteFile(target, []byte("v1\n"), 0o640))

	failed := errors.New("no space left on device")
	defer func(link func(string, string) error, cp func(string, string) error) {
		linkFile, copyFile = link, cp
	}(linkFile, copyFile)
	linkFile = func(string, string) error { return failed }
	copyFile = func(string, string) error { return failed }

	req := request(target, "v2\n")
	req.BackupPath = backupPath
	changed, err := WriteFile(context.Background(), req, nil)
	assert.Check(t, is.ErrorIs(err, failed))
	assert.Check(t, !changed)

	b, err := os.ReadFile(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("previous\n", string(b)))
	b, err = os.ReadFile(target)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("v1\n", string(b)))

	entries, err := os.ReadDir(dir.Path())
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 2), "temporary files were not cleaned up")
}

func TestWriteFileBackupCopyFallback(t *testing.T) {
	dir := fs.NewDir(t, "filesync")
	target := dir.Join("gshadow")
	backupPath := dir.Join("gshadow-")
	assert.NilError(t, os.WriteFile(backupPath, []byte("previous\n"), 0o600))
	assert.NilError(t, os.WriteFile(target, []byte("v1\n"), 0o640))

	defer func(link func(string, string) error) { linkFile = link }(linkFile)
	linkFile = func(string, string) error { return errors.New("cross-device link") }

	req := request(target, "v2\n")
	req.BackupPath = backupPath
	changed, err := WriteFile(context.Background(), req, nil)
	assert.NilError(t, err)
	assert.Check(t, changed)

	b, err := os.ReadFile(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("v1\n", string(b)))
	st, err := os.Stat(backupPath)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(os.FileMode(0o640), st.Mode().Perm()))
}

func TestWriteFileRejectsNonRegular(t *testing.T) {
	dir := fs.NewDir(t, "filesync", fs.WithDir("gshadow"))
	_, err := WriteFile(context.Background(), request(dir.Join("gshadow"), "x"), nil)
	assert.Check(t, is.ErrorContains(err, "not a regular file"))
}

type recordingRelabeler struct {
	calls [][]string
	err   error
}

func (r *recordingRelabeler) Relabel(_ context.Context, paths []string) error {
	r.calls = append(r.calls, paths)
	return r.err
}

func TestRelabelSetFlushBatches(t *testing.T) {
	ctx := context.Background()
	s := NewRelabelSet()
	s.Add("/etc/b")
	s.Add("/etc/a")
	s.Add("/etc/b")

	r := &recordingRelabeler{err: errors.New("boom")}
	assert.Check(t, is.ErrorContains(s.Flush(ctx, r), "boom"))
	assert.Check(t, is.Equal(2, s.Len()), "failed relabel must keep the batch")

	r.err = nil
	assert.NilError(t, s.Flush(ctx, r))
	assert.Check(t, is.Equal(0, s.Len()))
	assert.Check(t, is.DeepEqual([][]string{{"/etc/a", "/etc/b"}, {"/etc/a", "/etc/b"}}, r.calls))

	assert.NilError(t, s.Flush(ctx, r))
	assert.Check(t, is.Len(r.calls, 2), "empty set must not invoke the relabeler")
}
