// Package jail converges the intrusion prevention service: its package, its
// local jail configuration and its run state.
package jail

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/filesync"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"github.com/hostconverge/hostconverge/daemon/pkgmgr"
	"github.com/hostconverge/hostconverge/daemon/service"
)

const (
	// DefaultPath is the local jail configuration read by fail2ban.
	DefaultPath = "/etc/fail2ban/jail.local"
	packageName = "fail2ban"
	unitName    = "fail2ban.service"
)

// Installer installs packages.
type Installer interface {
	Install(ctx context.Context, name string, onInstalled func(pkgmgr.Package)) (pkgmgr.Package, error)
}

// Source provides the desired jail configuration.
type Source interface {
	Desired(ctx context.Context) (Desired, error)
}

// StaticSource always returns the same configuration.
type StaticSource Desired

// Desired returns s.
func (s StaticSource) Desired(context.Context) (Desired, error) {
	return Desired(s), nil
}

// Builder converges fail2ban.
type Builder struct {
	Path      string
	UID, GID  int
	Source    Source
	Packages  Installer
	Services  service.Controller
	Relabeler filesync.Relabeler
}

// Name returns the builder kind.
func (b *Builder) Name() string {
	return "jail"
}

// Tables returns the notification tables the jails depend on.
func (b *Builder) Tables() []string {
	return []string{"ip_reputation_sets", "net_binds"}
}

// SupportedHosts returns the hosts that package fail2ban.
func (b *Builder) SupportedHosts() []hostinfo.OS {
	return []hostinfo.OS{hostinfo.CentOS7, hostinfo.Rocky8, hostinfo.Rocky9}
}

// Rebuild installs fail2ban if any jail is wanted, writes jail.local and
// then starts, restarts or stops the service as needed. When no jail is
// wanted the package is left installed and only the service is stopped.
func (b *Builder) Rebuild(ctx context.Context) error {
	desired, err := b.Source.Desired(ctx)
	if err != nil {
		return fmt.Errorf("jail: failed to read desired jails: %w", err)
	}
	if !desired.Wanted() {
		return service.Converge(ctx, b.Services, unitName, false, false)
	}

	data, err := Render(desired)
	if err != nil {
		return fmt.Errorf("jail: %w", err)
	}

	installed := false
	if _, err := b.Packages.Install(ctx, packageName, func(p pkgmgr.Package) {
		installed = true
	}); err != nil {
		return fmt.Errorf("jail: %w", err)
	}

	path := b.Path
	if path == "" {
		path = DefaultPath
	}
	relabel := filesync.NewRelabelSet()
	changed, err := filesync.WriteFile(ctx, filesync.Request{
		Path: path,
		Data: data,
		Mode: 0o644,
		UID:  b.UID,
		GID:  b.GID,
	}, relabel)
	if err != nil {
		return fmt.Errorf("jail: %w", err)
	}
	if changed {
		log.G(ctx).WithFields(log.Fields{
			"path":  path,
			"jails": len(desired.Jails),
		}).Info("jail configuration updated")
	}
	if err := relabel.Flush(ctx, b.Relabeler); err != nil {
		return fmt.Errorf("jail: %w", err)
	}
	return service.Converge(ctx, b.Services, unitName, true, changed || installed)
}
