package main

import (
	"github.com/hostconverge/hostconverge/daemon/config"
	"github.com/spf13/pflag"
)

// daemonOptions are the command line options. Flag values only override the
// configuration file when they are set explicitly.
type daemonOptions struct {
	version    bool
	configFile string
	once       bool
	debug      bool
	relabel    bool
	values     config.Config
	flags      *pflag.FlagSet
}

func newDaemonOptions() *daemonOptions {
	return &daemonOptions{}
}

// installFlags adds the flags that mirror configuration file keys.
func (o *daemonOptions) installFlags(flags *pflag.FlagSet) {
	defaults := config.New()

	flags.BoolVarP(&o.debug, "debug", "D", false, "Enable debug mode")
	flags.StringVarP(&o.values.LogLevel, "log-level", "l", defaults.LogLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&o.values.LogFormat, "log-format", defaults.LogFormat, `Set the logging format ("text"|"json")`)
	flags.StringVar(&o.values.OS, "os", "", "Operating system of the host, detected when empty (for example rocky-9)")
	flags.StringVarP(&o.values.Pidfile, "pidfile", "p", defaults.Pidfile, "Path to use for agent PID file")
	flags.StringVar(&o.values.MetricsAddress, "metrics-addr", "", "Set address and port to serve the metrics api on")
	flags.StringVar(&o.values.RPMDatabaseDir, "rpm-db-dir", defaults.RPMDatabaseDir, "Directory of the rpm database")
	flags.StringVar(&o.values.StateFile, "state-file", defaults.StateFile, "Database recording the last pass of every builder")
	flags.BoolVar(&o.values.PackageRemoval, "package-removal", false, "Allow builders to uninstall packages")
	flags.BoolVar(&o.relabel, "relabel", defaults.RelabelEnabled(), "Restore SELinux contexts of rewritten files")
	flags.StringVar(&o.values.NudgeInterval, "nudge-interval", defaults.NudgeInterval, "Interval between retries of failed builders, 0 to disable")
	flags.StringVar(&o.values.RebuildInterval, "rebuild-interval", "", "Minimum interval between two passes of the same builder")
}

// overrides returns the configuration set by flags the user passed.
func (o *daemonOptions) overrides() *config.Config {
	cfg := &config.Config{}
	if o.flags == nil {
		return cfg
	}
	o.flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "debug":
			if o.debug {
				cfg.LogLevel = "debug"
			}
		case "log-level":
			cfg.LogLevel = o.values.LogLevel
		case "log-format":
			cfg.LogFormat = o.values.LogFormat
		case "os":
			cfg.OS = o.values.OS
		case "pidfile":
			cfg.Pidfile = o.values.Pidfile
		case "metrics-addr":
			cfg.MetricsAddress = o.values.MetricsAddress
		case "rpm-db-dir":
			cfg.RPMDatabaseDir = o.values.RPMDatabaseDir
		case "state-file":
			cfg.StateFile = o.values.StateFile
		case "package-removal":
			cfg.PackageRemoval = o.values.PackageRemoval
		case "relabel":
			relabel := o.relabel
			cfg.Relabel = &relabel
		case "nudge-interval":
			cfg.NudgeInterval = o.values.NudgeInterval
		case "rebuild-interval":
			cfg.RebuildInterval = o.values.RebuildInterval
		}
	})
	return cfg
}
