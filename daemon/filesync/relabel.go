package filesync

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/opencontainers/selinux/go-selinux"
)

// RelabelSet collects paths whose security context must be restored once all
// files of a rebuild pass have been written.
type RelabelSet struct {
	paths mapset.Set[string]
}

// NewRelabelSet returns an empty set, safe for concurrent use.
func NewRelabelSet() *RelabelSet {
	return &RelabelSet{paths: mapset.NewSet[string]()}
}

// Add schedules path for relabeling.
func (s *RelabelSet) Add(path string) {
	s.paths.Add(path)
}

// Len returns the number of scheduled paths.
func (s *RelabelSet) Len() int {
	return s.paths.Cardinality()
}

// Paths returns the scheduled paths in sorted order.
func (s *RelabelSet) Paths() []string {
	paths := s.paths.ToSlice()
	slices.Sort(paths)
	return paths
}

// Relabeler restores security contexts of a batch of paths.
type Relabeler interface {
	Relabel(ctx context.Context, paths []string) error
}

// Flush relabels every scheduled path in one call and empties the set. The
// set is left intact if relabeling fails, so the next pass retries.
func (s *RelabelSet) Flush(ctx context.Context, r Relabeler) error {
	paths := s.Paths()
	if len(paths) == 0 || r == nil {
		return nil
	}
	if err := r.Relabel(ctx, paths); err != nil {
		return err
	}
	for _, p := range paths {
		s.paths.Remove(p)
	}
	return nil
}

// Restorecon relabels with the restorecon tool when SELinux is enabled.
type Restorecon struct {
	Path string
}

// Relabel runs restorecon on paths. It does nothing when SELinux is
// disabled.
func (r Restorecon) Relabel(ctx context.Context, paths []string) error {
	if !selinux.GetEnabled() {
		return nil
	}
	bin := r.Path
	if bin == "" {
		bin = "/sbin/restorecon"
	}
	args := append([]string{"-F"}, paths...)
	log.G(ctx).WithField("paths", paths).Debug("restoring selinux contexts")
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %v: %s: %w", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)), cerrdefs.ErrUnavailable)
	}
	return nil
}
