// Package daemon wires the builders of the agent to the host it converges:
// notification hub, package manager, service controller and result store.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/config"
	"github.com/hostconverge/hostconverge/daemon/filesync"
	"github.com/hostconverge/hostconverge/daemon/gshadow"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"github.com/hostconverge/hostconverge/daemon/jail"
	"github.com/hostconverge/hostconverge/daemon/notify"
	"github.com/hostconverge/hostconverge/daemon/pkgmgr"
	"github.com/hostconverge/hostconverge/daemon/reconcile"
	"github.com/hostconverge/hostconverge/daemon/service"
	"github.com/hostconverge/hostconverge/daemon/state"
	"github.com/hostconverge/hostconverge/version"
)

// Daemon holds every long-lived component of the agent.
type Daemon struct {
	config   *config.Config
	host     hostinfo.OS
	hub      *notify.Hub
	packages *pkgmgr.Manager
	services service.Controller
	registry *reconcile.Registry
	store    *state.Store
	recorded chan struct{}
}

// Options replaces the components that talk to the host. Zero values select
// the real implementations.
type Options struct {
	Clock     clock.Clock
	Runner    pkgmgr.Runner
	Services  service.Controller
	Relabeler filesync.Relabeler
}

// NewDaemon sets up everything for the agent to be able to converge the
// host. Nothing runs until Start or RebuildAll is called.
func NewDaemon(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	host, err := detectHost(cfg)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithField("os", host).Info("detected host")

	d := &Daemon{
		config: cfg,
		host:   host,
		hub:    notify.NewHub(),
		packages: pkgmgr.New(pkgmgr.Options{
			DatabaseDir:  cfg.RPMDatabaseDir,
			Runner:       opts.Runner,
			AllowRemoval: cfg.PackageRemoval,
		}),
		services: opts.Services,
	}
	if d.services == nil {
		d.services = &service.Systemd{}
	}
	relabeler := opts.Relabeler
	if relabeler == nil && cfg.RelabelEnabled() {
		relabeler = filesync.Restorecon{}
	}

	d.registry = reconcile.NewRegistry(reconcile.RegistryOptions{
		Host:            host,
		Notifier:        d.hub,
		Enabled:         cfg.BuilderEnabled,
		NudgeInterval:   cfg.Nudge(),
		RebuildInterval: cfg.MinRebuildInterval(),
		Clock:           opts.Clock,
	})

	desiredJails, err := cfg.Jails()
	if err != nil {
		return nil, err
	}
	builders := []reconcile.Builder{
		&gshadow.Builder{
			Path:       cfg.Gshadow.Path,
			BackupPath: cfg.Gshadow.BackupPath,
			OS:         host,
			Source:     gshadow.GroupFileSource{Path: cfg.Gshadow.GroupPath},
			Relabeler:  relabeler,
		},
		&jail.Builder{
			Path:      cfg.Jail.Path,
			Source:    jail.StaticSource(desiredJails),
			Packages:  d.packages,
			Services:  d.services,
			Relabeler: relabeler,
		},
	}
	for _, b := range builders {
		if _, err := d.registry.Register(b); err != nil {
			return nil, err
		}
	}

	if cfg.StateFile != "" {
		if d.store, err = state.Open(cfg.StateFile); err != nil {
			return nil, err
		}
		results := d.registry.Subscribe()
		d.recorded = make(chan struct{})
		go func() {
			defer close(d.recorded)
			d.store.Follow(results)
		}()
	}

	registeredBuilders.Set(float64(len(builders)))
	agentInfo.WithValues(version.Version, version.GitCommit, string(host)).Set(1)
	return d, nil
}

func detectHost(cfg *config.Config) (hostinfo.OS, error) {
	if cfg.OS != "" {
		return hostinfo.Parse(cfg.OS)
	}
	host, err := hostinfo.Detect()
	if err != nil {
		return "", fmt.Errorf("unable to detect host operating system, set os in the configuration: %w", err)
	}
	return host, nil
}

// Host returns the operating system the agent converges.
func (d *Daemon) Host() hostinfo.OS {
	return d.host
}

// Packages returns the package manager shared by all builders.
func (d *Daemon) Packages() *pkgmgr.Manager {
	return d.packages
}

// Registry returns the builder registry.
func (d *Daemon) Registry() *reconcile.Registry {
	return d.registry
}

// State returns the store of pass results, or nil if none is configured.
func (d *Daemon) State() *state.Store {
	return d.store
}

// Start starts every builder. Builders that cannot start on this host are
// reported in the returned error; the others keep running.
func (d *Daemon) Start(ctx context.Context) error {
	return d.registry.Start(ctx)
}

// RebuildAll runs one pass of every builder synchronously.
func (d *Daemon) RebuildAll(ctx context.Context) []reconcile.Result {
	return d.registry.RebuildAll(ctx)
}

// RequestRebuildAll marks every started builder stale.
func (d *Daemon) RequestRebuildAll() {
	for _, m := range d.registry.Managers() {
		if m.Started() {
			m.RequestRebuild()
		}
	}
}

// TableChanged delivers a change notification for table to the builders
// depending on it.
func (d *Daemon) TableChanged(ctx context.Context, table string) {
	notifications.WithValues(table).Inc()
	log.G(ctx).WithField("table", table).Debug("table changed")
	d.hub.Publish(ctx, table)
}

// Shutdown stops the builders, waiting for passes in progress, and releases
// the connections to the host.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.registry.Stop()
	err := d.hub.Close()
	if err != nil {
		log.G(ctx).WithError(err).Warn("failed to close notification hub")
	}
	if c, ok := d.services.(interface{ Close() }); ok {
		c.Close()
	}
	if d.store != nil {
		<-d.recorded
		if closeErr := d.store.Close(); closeErr != nil {
			log.G(ctx).WithError(closeErr).Warn("failed to close state database")
			err = errors.Join(err, closeErr)
		}
	}
	return err
}
