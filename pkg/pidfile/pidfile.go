// Package pidfile guards against two agents converging the same host. The
// file holds the process id of the running agent.
package pidfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

// Read returns the process id stored at path if that process is still
// running, or 0 otherwise. Malformed content is treated as stale.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil || pid < 1 {
		return 0, nil
	}
	if !alive(pid) {
		return 0, nil
	}
	return pid, nil
}

// Write stores pid at path. It fails with a conflict if the file names
// another running process.
func Write(path string, pid int) error {
	if pid < 1 {
		return fmt.Errorf("invalid PID (%d): only positive PIDs are allowed: %w", pid, cerrdefs.ErrInvalidArgument)
	}
	running, err := Read(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if running != 0 && running != pid {
		return fmt.Errorf("agent with PID %d is still running: %w", running, cerrdefs.ErrConflict)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Remove deletes the file at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
