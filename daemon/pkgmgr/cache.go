package pkgmgr

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/containerd/log"
)

// DefaultDatabaseDir is where rpm keeps its database.
const DefaultDatabaseDir = "/var/lib/rpm"

type fileStat struct {
	modTime int64
	size    int64
}

// snapshot fingerprints a directory by the modification time and size of
// each entry. The package database is only written by the package tools, and
// every write changes at least one of these.
type snapshot map[string]fileStat

func takeSnapshot(dir string) (snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to snapshot package database: %w", err)
	}
	s := make(snapshot, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("unable to snapshot package database: %w", err)
		}
		s[e.Name()] = fileStat{modTime: info.ModTime().UnixNano(), size: info.Size()}
	}
	return s, nil
}

// Cache holds the installed package list, re-querying only when the package
// database directory changes.
type Cache struct {
	dir    string
	runner Runner

	mu       sync.Mutex
	snapshot snapshot
	packages []Package
}

// NewCache returns a cache over the package database in dir.
func NewCache(dir string, runner Runner) *Cache {
	return &Cache{dir: dir, runner: runner}
}

// ListInstalled returns all installed packages in ascending order. The
// returned slice belongs to the caller.
func (c *Cache) ListInstalled(ctx context.Context) ([]Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before, err := takeSnapshot(c.dir)
	if err != nil {
		return nil, err
	}
	if c.snapshot != nil && maps.Equal(before, c.snapshot) {
		return slices.Clone(c.packages), nil
	}

	out, err := c.runner.QueryAll(ctx)
	if err != nil {
		return nil, err
	}
	pkgs, err := parseQueryOutput(out)
	if err != nil {
		return nil, err
	}

	// Querying can itself touch the database files, so the snapshot the
	// result is cached under is taken after the query.
	after, err := takeSnapshot(c.dir)
	if err != nil {
		return nil, err
	}
	c.snapshot = after
	c.packages = pkgs
	log.G(ctx).WithField("packages", len(pkgs)).Debug("refreshed installed package cache")
	return slices.Clone(pkgs), nil
}
