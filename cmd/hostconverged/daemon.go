package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	systemddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/docker/go-units"
	"github.com/hostconverge/hostconverge/daemon"
	"github.com/hostconverge/hostconverge/daemon/config"
	"github.com/hostconverge/hostconverge/daemon/reconcile"
	"github.com/hostconverge/hostconverge/pkg/pidfile"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

const shutdownTimeout = 30 * time.Second

// DaemonCli represents the agent CLI.
type DaemonCli struct {
	*config.Config
	d *daemon.Daemon
}

// NewDaemonCli returns a daemon CLI
func NewDaemonCli() *DaemonCli {
	return &DaemonCli{}
}

func (cli *DaemonCli) start(ctx context.Context, opts *daemonOptions) (err error) {
	if cli.Config, err = loadDaemonCliConfig(opts); err != nil {
		return err
	}
	if err := configureDaemonLogs(cli.Config); err != nil {
		return err
	}
	if err := setDefaultUmask(); err != nil {
		return err
	}

	cli.d, err = daemon.NewDaemon(ctx, cli.Config, daemon.Options{})
	if err != nil {
		return errors.Wrap(err, "failed to start agent")
	}

	if opts.once {
		results := cli.d.RebuildAll(ctx)
		if err := cli.d.Shutdown(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("error during shutdown")
		}
		return summarize(ctx, results)
	}

	if cli.Pidfile != "" {
		if err := pidfile.Write(cli.Pidfile, os.Getpid()); err != nil {
			return errors.Wrapf(err, "failed to start agent, ensure hostconverged is not running or delete %s", cli.Pidfile)
		}
		defer func() {
			if err := pidfile.Remove(cli.Pidfile); err != nil {
				log.G(ctx).WithError(err).Error("failed to remove pidfile")
			}
		}()
	}

	srv, err := startMetricsServer(ctx, cli.Config.MetricsAddress)
	if err != nil {
		return err
	}

	if err := cli.d.Start(ctx); err != nil {
		// Builders that cannot run on this host are disabled; the rest
		// keep converging.
		log.G(ctx).WithError(err).Warn("not all builders started")
	}
	cli.setupRebuildTrap(ctx)
	notifyReady()
	log.G(ctx).Info("agent has completed initialization")

	stopCtx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	notifyStopping()
	log.G(ctx).Info("processing shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.G(ctx).WithError(err).Warn("failed to stop metrics server")
		}
	}
	return cli.d.Shutdown(shutdownCtx)
}

// loadDaemonCliConfig merges the configuration file with the flags that were
// set explicitly. A missing default configuration file is not an error.
func loadDaemonCliConfig(opts *daemonOptions) (*config.Config, error) {
	configFile := opts.configFile
	if configFile == config.DefaultConfigFile && (opts.flags == nil || !opts.flags.Changed("config-file")) {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			configFile = ""
		}
	}
	return config.Load(configFile, opts.overrides())
}

func configureDaemonLogs(conf *config.Config) error {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return errors.Wrapf(err, "unable to set log level %s", conf.LogLevel)
	}
	switch conf.LogFormat {
	case "json":
		return log.SetFormat(log.JSONFormat)
	default:
		return log.SetFormat(log.TextFormat)
	}
}

// setDefaultUmask sets the umask to 0022 so files created by the agent get
// predictable permissions before their mode is fixed.
func setDefaultUmask() error {
	desiredUmask := 0o022
	unix.Umask(desiredUmask)
	if umask := unix.Umask(desiredUmask); umask != desiredUmask {
		return errors.Errorf("failed to set umask: expected %#o, got %#o", desiredUmask, umask)
	}
	return nil
}

// setupRebuildTrap queues a pass of every builder on SIGHUP.
func (cli *DaemonCli) setupRebuildTrap(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGHUP)
	go func() {
		for range c {
			log.G(ctx).Info("got SIGHUP, rebuilding")
			cli.d.RequestRebuildAll()
		}
	}()
}

func startMetricsServer(ctx context.Context, addr string) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "error starting metrics server")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Minute,
	}
	go func() {
		log.G(ctx).Infof("metrics API listening on %s", l.Addr())
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.G(ctx).WithError(err).Error("error serving metrics API")
		}
	}()
	return srv, nil
}

// summarize logs the results of a single run and turns them into the exit
// status.
func summarize(ctx context.Context, results []reconcile.Result) error {
	var failed []string
	for _, res := range results {
		logger := log.G(ctx).WithFields(log.Fields{
			"builder":  res.Builder,
			"duration": units.HumanDuration(res.Duration),
		})
		if !res.Converged {
			failed = append(failed, res.Builder)
			logger.WithError(res.Err).WithField("kind", res.Kind.String()).Error("builder did not converge")
			continue
		}
		logger.Info("builder converged")
	}
	if len(failed) > 0 {
		return errors.Errorf("builders did not converge: %v", failed)
	}
	return nil
}

func notifyReady() {
	_, _ = systemddaemon.SdNotify(false, systemddaemon.SdNotifyReady)
}

func notifyStopping() {
	_, _ = systemddaemon.SdNotify(false, systemddaemon.SdNotifyStopping)
}
