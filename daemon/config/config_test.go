package config

import (
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/hostconverge/hostconverge/daemon/jail"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	assert.NilError(t, err)
	assert.Check(t, is.Equal("info", cfg.LogLevel))
	assert.Check(t, is.Equal("/var/lib/rpm", cfg.RPMDatabaseDir))
	assert.Check(t, is.Equal("/etc/gshadow", cfg.Gshadow.Path))
	assert.Check(t, is.Equal(time.Minute, cfg.Nudge()))
	assert.Check(t, is.Equal(time.Duration(0), cfg.MinRebuildInterval()))
	assert.Check(t, cfg.RelabelEnabled())
	assert.Check(t, !cfg.PackageRemoval)
	assert.Check(t, cfg.BuilderEnabled("gshadow"))
}

func TestLoadFileOverDefaults(t *testing.T) {
	file := fs.NewFile(t, "config", fs.WithContent(`
log-level = "debug"
relabel = false
nudge-interval = "30s"
rebuild-interval = "2s"

[builders.jail]
enabled = false

[gshadow]
path = "/tmp/gshadow"

[jail]
jails = ["ssh:2222, 2223", "smtp"]
ignore-ip = ["192.0.2.0/24"]
ban-time = "1h"
max-retry = 3
`))
	cfg, err := Load(file.Path(), nil)
	assert.NilError(t, err)

	assert.Check(t, is.Equal("debug", cfg.LogLevel))
	assert.Check(t, is.Equal("text", cfg.LogFormat), "unset keys keep their default")
	assert.Check(t, !cfg.RelabelEnabled())
	assert.Check(t, is.Equal(30*time.Second, cfg.Nudge()))
	assert.Check(t, is.Equal(2*time.Second, cfg.MinRebuildInterval()))
	assert.Check(t, !cfg.BuilderEnabled("jail"))
	assert.Check(t, cfg.BuilderEnabled("gshadow"))
	assert.Check(t, is.Equal("/tmp/gshadow", cfg.Gshadow.Path))
	assert.Check(t, is.Equal("/etc/gshadow-", cfg.Gshadow.BackupPath))

	desired, err := cfg.Jails()
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(jail.Desired{
		Jails: []jail.Jail{
			{Protocol: jail.SSH, Ports: []string{"2222", "2223"}},
			{Protocol: jail.SMTP},
		},
		IgnoreIP: []string{"192.0.2.0/24"},
		BanTime:  time.Hour,
		MaxRetry: 3,
	}, desired))
}

func TestLoadOverrides(t *testing.T) {
	file := fs.NewFile(t, "config", fs.WithContent("log-level = \"debug\"\n"))
	cfg, err := Load(file.Path(), &Config{LogLevel: "warn", PackageRemoval: true})
	assert.NilError(t, err)
	assert.Check(t, is.Equal("warn", cfg.LogLevel))
	assert.Check(t, cfg.PackageRemoval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/hostconverge.toml", nil)
	assert.Check(t, is.ErrorContains(err, "unable to read configuration file"))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("log-level = \"info\"\nbogus = 1\n[jail]\nport = 22\n"))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
	assert.Check(t, is.ErrorContains(err, "bogus"))
	assert.Check(t, is.ErrorContains(err, "jail.port"))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name        string
		modify      func(*Config)
		expectedErr string
	}{
		{name: "log level", modify: func(c *Config) { c.LogLevel = "foobar" }, expectedErr: "invalid logging level: foobar"},
		{name: "log format", modify: func(c *Config) { c.LogFormat = "xml" }, expectedErr: "invalid log format: xml"},
		{name: "os", modify: func(c *Config) { c.OS = "centos" }, expectedErr: "centos"},
		{name: "interval", modify: func(c *Config) { c.NudgeInterval = "soon" }, expectedErr: "invalid nudge-interval"},
		{name: "negative interval", modify: func(c *Config) { c.RebuildInterval = "-1s" }, expectedErr: "negative duration"},
		{name: "max retry", modify: func(c *Config) { c.Jail.MaxRetry = -1 }, expectedErr: "invalid jail.max-retry"},
		{name: "jail protocol", modify: func(c *Config) { c.Jail.Jails = []string{"telnet"} }, expectedErr: `unknown jail protocol "telnet"`},
		{name: "jail ports", modify: func(c *Config) { c.Jail.Jails = []string{"ssh:,"} }, expectedErr: "empty port list"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.modify(cfg)
			err := Validate(cfg)
			assert.Check(t, is.ErrorContains(err, tc.expectedErr))
		})
	}
}
