// Package pkgmgr installs and removes rpm packages on the host and answers
// which packages are currently installed.
package pkgmgr

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"resenje.org/singleflight"
)

// Manager layers install and remove on top of a Cache.
type Manager struct {
	cache          *Cache
	runner         Runner
	removalEnabled bool

	installs singleflight.Group[string, Package]
}

// Options configures a Manager.
type Options struct {
	DatabaseDir string
	Runner      Runner
	// AllowRemoval enables Remove and RemovePackage. Removal is off unless
	// the agent is explicitly configured to uninstall software.
	AllowRemoval bool
}

// New returns a Manager.
func New(opts Options) *Manager {
	if opts.DatabaseDir == "" {
		opts.DatabaseDir = DefaultDatabaseDir
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	return &Manager{
		cache:          NewCache(opts.DatabaseDir, opts.Runner),
		runner:         opts.Runner,
		removalEnabled: opts.AllowRemoval,
	}
}

// ListInstalled returns all installed packages in ascending order.
func (m *Manager) ListInstalled(ctx context.Context) ([]Package, error) {
	return m.cache.ListInstalled(ctx)
}

// GetInstalled returns the highest installed variant of name.
func (m *Manager) GetInstalled(ctx context.Context, name string) (Package, bool, error) {
	pkgs, err := m.cache.ListInstalled(ctx)
	if err != nil {
		return Package{}, false, err
	}
	var (
		found Package
		ok    bool
	)
	for _, p := range pkgs {
		if p.Name == name {
			found, ok = p, true
		}
	}
	return found, ok, nil
}

func (m *Manager) matching(ctx context.Context, name string) ([]Package, error) {
	pkgs, err := m.cache.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	var matches []Package
	for _, p := range pkgs {
		if p.Name == name {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// Install makes sure name is installed and returns the highest installed
// variant. If the package had to be installed, onInstalled is called once
// with the result. Concurrent installs of the same name share one tool
// invocation, and only the caller that performed it sees onInstalled.
func (m *Manager) Install(ctx context.Context, name string, onInstalled func(Package)) (Package, error) {
	if p, ok, err := m.GetInstalled(ctx, name); err != nil || ok {
		return p, err
	}

	p, _, err := m.installs.Do(ctx, name, func(ctx context.Context) (Package, error) {
		if p, ok, err := m.GetInstalled(ctx, name); err != nil || ok {
			return p, err
		}

		logger := log.G(ctx).WithField("package", name)
		logger.Info("installing package")
		if err := m.runner.Install(ctx, name); err != nil {
			return Package{}, fmt.Errorf("failed to install %s: %w", name, err)
		}

		p, ok, err := m.GetInstalled(ctx, name)
		if err != nil {
			return Package{}, err
		}
		if !ok {
			logger.Error("package tool reported success but package is not installed")
			return Package{}, fmt.Errorf("%s: install reported success but package is absent: %w", name, cerrdefs.ErrInternal)
		}
		logger.WithField("installed", p.String()).Info("installed package")
		if onInstalled != nil {
			onInstalled(p)
		}
		return p, nil
	})
	return p, err
}

// Remove uninstalls name. It does nothing when no variant is installed and
// refuses to choose when more than one is; use RemovePackage for that.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if !m.removalEnabled {
		return fmt.Errorf("refusing to remove %s: package removal is disabled: %w", name, cerrdefs.ErrFailedPrecondition)
	}
	matches, err := m.matching(ctx, name)
	if err != nil {
		return err
	}
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return m.remove(ctx, matches[0])
	default:
		return fmt.Errorf("refusing to remove %s: %d variants are installed: %w", name, len(matches), cerrdefs.ErrConflict)
	}
}

// RemovePackage uninstalls one exact variant.
func (m *Manager) RemovePackage(ctx context.Context, p Package) error {
	if !m.removalEnabled {
		return fmt.Errorf("refusing to remove %s: package removal is disabled: %w", p, cerrdefs.ErrFailedPrecondition)
	}
	return m.remove(ctx, p)
}

func (m *Manager) remove(ctx context.Context, p Package) error {
	log.G(ctx).WithField("package", p.String()).Info("removing package")
	if err := m.runner.Remove(ctx, p.String()); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}
