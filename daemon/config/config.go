// Package config defines the agent configuration, loaded from a TOML file and
// merged over built-in defaults.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/hostconverge/hostconverge/daemon/gshadow"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"github.com/hostconverge/hostconverge/daemon/jail"
	"github.com/hostconverge/hostconverge/daemon/pkgmgr"
	"github.com/hostconverge/hostconverge/daemon/state"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConfigFile is the configuration file read when none is given.
	DefaultConfigFile = "/etc/hostconverge/hostconverge.toml"

	// DefaultPidFile holds the process id of the running agent.
	DefaultPidFile = "/run/hostconverged.pid"

	// DefaultNudgeInterval is how often failed builders are retried.
	DefaultNudgeInterval = time.Minute
)

// BuilderConfig holds per-builder settings.
type BuilderConfig struct {
	Enabled *bool `toml:"enabled"`
}

// GshadowConfig configures the group shadow builder.
type GshadowConfig struct {
	Path       string `toml:"path"`
	BackupPath string `toml:"backup-path"`
	GroupPath  string `toml:"group-path"`
}

// JailConfig configures the intrusion prevention builder. Each entry of Jails
// is a protocol name, optionally followed by a colon and a comma-separated
// port list replacing the protocol's default ports, for example "ssh:2222".
type JailConfig struct {
	Path     string   `toml:"path"`
	Jails    []string `toml:"jails"`
	IgnoreIP []string `toml:"ignore-ip"`
	BanTime  string   `toml:"ban-time"`
	FindTime string   `toml:"find-time"`
	MaxRetry int      `toml:"max-retry"`
}

// Config defines the configuration of the agent. Field names follow the
// command line flags.
type Config struct {
	LogLevel        string                   `toml:"log-level"`
	LogFormat       string                   `toml:"log-format"`
	OS              string                   `toml:"os"`
	Pidfile         string                   `toml:"pidfile"`
	MetricsAddress  string                   `toml:"metrics-addr"`
	RPMDatabaseDir  string                   `toml:"rpm-db-dir"`
	StateFile       string                   `toml:"state-file"`
	PackageRemoval  bool                     `toml:"package-removal"`
	Relabel         *bool                    `toml:"relabel"`
	NudgeInterval   string                   `toml:"nudge-interval"`
	RebuildInterval string                   `toml:"rebuild-interval"`
	Builders        map[string]BuilderConfig `toml:"builders"`
	Gshadow         GshadowConfig            `toml:"gshadow"`
	Jail            JailConfig               `toml:"jail"`
}

// New returns a Config holding the defaults.
func New() *Config {
	relabel := true
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		RPMDatabaseDir: pkgmgr.DefaultDatabaseDir,
		StateFile:      state.DefaultPath,
		Pidfile:        DefaultPidFile,
		Relabel:        &relabel,
		NudgeInterval:  DefaultNudgeInterval.String(),
		Builders:       map[string]BuilderConfig{},
		Gshadow: GshadowConfig{
			Path:       gshadow.DefaultPath,
			BackupPath: gshadow.DefaultBackupPath,
			GroupPath:  gshadow.DefaultGroupPath,
		},
		Jail: JailConfig{
			Path: jail.DefaultPath,
		},
	}
}

// Parse decodes a TOML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, cerrdefs.ErrInvalidArgument)
	}
	if unknown := unknownKeys(tree, ""); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown configuration keys: %s: %w", strings.Join(unknown, ", "), cerrdefs.ErrInvalidArgument)
	}
	cfg := &Config{}
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%v: %w", err, cerrdefs.ErrInvalidArgument)
	}
	return cfg, nil
}

// unknownKeys lists the keys of tree that do not map to a field of Config.
// The builders table is free-form.
func unknownKeys(tree *toml.Tree, prefix string) []string {
	known := map[string][]string{
		"":        {"log-level", "log-format", "os", "pidfile", "metrics-addr", "rpm-db-dir", "state-file", "package-removal", "relabel", "nudge-interval", "rebuild-interval", "builders", "gshadow", "jail"},
		"gshadow": {"path", "backup-path", "group-path"},
		"jail":    {"path", "jails", "ignore-ip", "ban-time", "find-time", "max-retry"},
	}
	var unknown []string
	for _, key := range tree.Keys() {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if !slices.Contains(known[prefix], key) {
			unknown = append(unknown, name)
			continue
		}
		if sub, ok := tree.Get(key).(*toml.Tree); ok && prefix == "" && key != "builders" {
			unknown = append(unknown, unknownKeys(sub, key)...)
		}
	}
	return unknown
}

// Load reads the configuration file at path, merges it over the defaults
// and then merges overrides, typically the flags set on the command line,
// over the result. The returned configuration is validated.
func Load(path string, overrides *Config) (*Config, error) {
	cfg := New()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read configuration file")
		}
		fileCfg, err := Parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse configuration file %s", path)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, err
		}
	}
	if overrides != nil {
		if err := mergo.Merge(cfg, overrides, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value of cfg is usable.
func Validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid logging level: %s: %w", cfg.LogLevel, cerrdefs.ErrInvalidArgument)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json): %w", cfg.LogFormat, cerrdefs.ErrInvalidArgument)
	}
	if cfg.OS != "" {
		if _, err := hostinfo.Parse(cfg.OS); err != nil {
			return err
		}
	}
	for _, d := range []struct{ name, value string }{
		{"nudge-interval", cfg.NudgeInterval},
		{"rebuild-interval", cfg.RebuildInterval},
		{"jail.ban-time", cfg.Jail.BanTime},
		{"jail.find-time", cfg.Jail.FindTime},
	} {
		if _, err := parseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %v: %w", d.name, err, cerrdefs.ErrInvalidArgument)
		}
	}
	if cfg.Jail.MaxRetry < 0 {
		return fmt.Errorf("invalid jail.max-retry: %d: %w", cfg.Jail.MaxRetry, cerrdefs.ErrInvalidArgument)
	}
	if _, err := cfg.Jails(); err != nil {
		return err
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Nudge returns the nudge interval. Zero disables nudging.
func (cfg *Config) Nudge() time.Duration {
	d, _ := parseDuration(cfg.NudgeInterval)
	return d
}

// MinRebuildInterval returns the minimum time between two passes of the
// same builder.
func (cfg *Config) MinRebuildInterval() time.Duration {
	d, _ := parseDuration(cfg.RebuildInterval)
	return d
}

// RelabelEnabled reports whether rewritten files get their security context
// restored.
func (cfg *Config) RelabelEnabled() bool {
	return cfg.Relabel == nil || *cfg.Relabel
}

// BuilderEnabled reports whether the named builder may run. Builders are
// enabled unless disabled explicitly.
func (cfg *Config) BuilderEnabled(name string) bool {
	b, ok := cfg.Builders[name]
	return !ok || b.Enabled == nil || *b.Enabled
}

// Jails returns the desired jail configuration.
func (cfg *Config) Jails() (jail.Desired, error) {
	desired := jail.Desired{
		IgnoreIP: cfg.Jail.IgnoreIP,
		MaxRetry: cfg.Jail.MaxRetry,
	}
	desired.BanTime, _ = parseDuration(cfg.Jail.BanTime)
	desired.FindTime, _ = parseDuration(cfg.Jail.FindTime)
	for _, entry := range cfg.Jail.Jails {
		name, ports, hasPorts := strings.Cut(entry, ":")
		proto, err := jail.ParseProtocol(name)
		if err != nil {
			return jail.Desired{}, err
		}
		j := jail.Jail{Protocol: proto}
		if hasPorts {
			for _, p := range strings.Split(ports, ",") {
				if p = strings.TrimSpace(p); p != "" {
					j.Ports = append(j.Ports, p)
				}
			}
			if len(j.Ports) == 0 {
				return jail.Desired{}, fmt.Errorf("jail %s: empty port list: %w", name, cerrdefs.ErrInvalidArgument)
			}
		}
		desired.Jails = append(desired.Jails, j)
	}
	return desired, nil
}
