// Package filesync replaces files on disk only when their content, mode or
// ownership differs from what is wanted, without ever exposing a partially
// written file at the target path.
package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

// Request describes the wanted state of one file.
type Request struct {
	Path string
	Data []byte
	Mode fs.FileMode
	UID  int
	GID  int
	// BackupPath, if set, receives the previous version of Path before it
	// is replaced. Any older backup is discarded.
	BackupPath string
}

// pathLocks serializes writers of the same path within this process.
var pathLocks = locker.New()

// WriteFile converges req.Path to req. It returns true if the file was
// replaced; in that case the path is also added to relabel, when non-nil.
func WriteFile(ctx context.Context, req Request, relabel *RelabelSet) (bool, error) {
	pathLocks.Lock(req.Path)
	defer pathLocks.Unlock(req.Path)

	current, err := readCurrent(req.Path)
	if err != nil {
		return false, err
	}
	if current != nil && current.matches(req) {
		return false, nil
	}

	if err := replace(req, current != nil); err != nil {
		return false, err
	}
	log.G(ctx).WithFields(log.Fields{
		"path": req.Path,
		"mode": fmt.Sprintf("%#o", req.Mode.Perm()),
	}).Info("updated file")

	if relabel != nil {
		relabel.Add(req.Path)
	}
	return true, nil
}

type currentFile struct {
	data []byte
	mode fs.FileMode
	uid  int
	gid  int
}

func (c *currentFile) matches(req Request) bool {
	return c.mode == req.Mode.Perm() && c.uid == req.UID && c.gid == req.GID && bytes.Equal(c.data, req.Data)
}

// readCurrent returns nil, nil when path does not exist.
func readCurrent(path string) (*currentFile, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, nil
		}
		return nil, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("%s exists and is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &currentFile{
		data: data,
		mode: fs.FileMode(st.Mode).Perm(),
		uid:  int(st.Uid),
		gid:  int(st.Gid),
	}, nil
}

func replace(req Request, exists bool) (retErr error) {
	dir, base := filepath.Split(req.Path)
	f, err := os.CreateTemp(dir, "."+base+".new-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if retErr != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(req.Data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Chown(req.UID, req.GID); err != nil {
		return err
	}
	// Chmod after chown, since chown may clear setuid/setgid bits.
	if err := f.Chmod(req.Mode.Perm()); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if exists && req.BackupPath != "" {
		if err := backup(req.Path, req.BackupPath); err != nil {
			return fmt.Errorf("failed to back up %s: %w", req.Path, err)
		}
	}
	if err := os.Rename(tmp, req.Path); err != nil {
		return err
	}
	return syncDir(dir)
}

// Replaced in tests.
var (
	linkFile = os.Link
	copyFile = copyWithOwner
)

// backup keeps the current target at backupPath, hard linked when possible.
// The new backup is prepared under a temporary name and renamed over the
// old one, so a failure leaves the previous backup in place.
func backup(path, backupPath string) error {
	dir, base := filepath.Split(backupPath)
	tmp, err := tempName(dir, "."+base+".tmp-")
	if err != nil {
		return err
	}
	if err := linkFile(path, tmp); err != nil {
		if err := copyFile(path, tmp); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, backupPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// tempName reserves an unused name in dir.
func tempName(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	if err := os.Remove(name); err != nil {
		return "", err
	}
	return name, nil
}

// copyWithOwner copies src to dst keeping its mode and ownership.
func copyWithOwner(src, dst string) error {
	var st unix.Stat_t
	if err := unix.Stat(src, &st); err != nil {
		return &os.PathError{Op: "stat", Path: src, Err: err}
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	mode := fs.FileMode(st.Mode).Perm()
	if err := atomicwriter.WriteFile(dst, data, mode); err != nil {
		return err
	}
	if err := os.Chown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

func syncDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
