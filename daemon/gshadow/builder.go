package gshadow

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/filesync"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
)

const (
	// DefaultPath is the group shadow file.
	DefaultPath = "/etc/gshadow"
	// DefaultBackupPath keeps the previous version, as shadow-utils does.
	DefaultBackupPath = "/etc/gshadow-"
)

type permission struct {
	mode fs.FileMode
	uid  int
	gid  int
}

// permissions is the mode and ownership of the file per supported release.
var permissions = map[hostinfo.OS]permission{
	hostinfo.CentOS5: {mode: 0o400},
	hostinfo.CentOS7: {mode: 0o000},
	hostinfo.Rocky8:  {mode: 0o000},
	hostinfo.Rocky9:  {mode: 0o000},
}

// Builder rewrites the group shadow file whenever groups or group
// memberships change.
type Builder struct {
	Path       string
	BackupPath string
	OS         hostinfo.OS
	Source     DesiredSource
	Relabeler  filesync.Relabeler
}

// Name returns the builder kind.
func (b *Builder) Name() string {
	return "gshadow"
}

// Tables returns the group tables the file is derived from.
func (b *Builder) Tables() []string {
	return []string{"linux_groups", "linux_group_accounts"}
}

// SupportedHosts returns the releases with a known file mode.
func (b *Builder) SupportedHosts() []hostinfo.OS {
	hosts := slices.Collect(maps.Keys(permissions))
	slices.Sort(hosts)
	return hosts
}

// Rebuild runs one pass: parse, merge, check, serialize, write, relabel.
// Nothing is written if any step before the write fails.
func (b *Builder) Rebuild(ctx context.Context) error {
	perm, ok := permissions[b.OS]
	if !ok {
		return fmt.Errorf("gshadow: unsupported host %s: %w", b.OS, cerrdefs.ErrNotImplemented)
	}
	path := b.Path
	if path == "" {
		path = DefaultPath
	}

	desired, err := b.Source.Groups(ctx)
	if err != nil {
		return fmt.Errorf("gshadow: failed to read desired groups: %w", err)
	}

	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	existing, err := Parse(bytes.NewReader(current))
	if err != nil {
		return fmt.Errorf("gshadow: %s: %w", path, err)
	}
	merged, err := Merge(existing, desired)
	if err != nil {
		return fmt.Errorf("gshadow: %w", err)
	}

	relabel := filesync.NewRelabelSet()
	changed, err := filesync.WriteFile(ctx, filesync.Request{
		Path:       path,
		Data:       Serialize(merged),
		Mode:       perm.mode,
		UID:        perm.uid,
		GID:        perm.gid,
		BackupPath: b.BackupPath,
	}, relabel)
	if err != nil {
		return fmt.Errorf("gshadow: %w", err)
	}
	if changed {
		log.G(ctx).WithFields(log.Fields{
			"path":   path,
			"groups": len(merged),
		}).Info("group shadow file updated")
	}
	return relabel.Flush(ctx, b.Relabeler)
}
