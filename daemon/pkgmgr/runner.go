package pkgmgr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// Runner invokes the external package tools. Every call blocks until the
// tool exits.
type Runner interface {
	// QueryAll lists every installed package as tab separated name, epoch,
	// version, release and arch, one package per line.
	QueryAll(ctx context.Context) ([]byte, error)
	// Install installs the newest available package called name.
	Install(ctx context.Context, name string) error
	// Remove erases the packages matching spec.
	Remove(ctx context.Context, spec string) error
}

const queryFormat = `%{NAME}\t%{EPOCH}\t%{VERSION}\t%{RELEASE}\t%{ARCH}\n`

// ExecRunner runs rpm and yum from the host.
type ExecRunner struct {
	RPMPath string
	YumPath string
}

// NewExecRunner returns a runner using the standard tool locations.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		RPMPath: "/usr/bin/rpm",
		YumPath: "/usr/bin/yum",
	}
}

// QueryAll runs rpm -qa with a tab separated query format.
func (r *ExecRunner) QueryAll(ctx context.Context) ([]byte, error) {
	return r.run(ctx, r.RPMPath, "-qa", "--queryformat", queryFormat)
}

// Install runs yum install non-interactively.
func (r *ExecRunner) Install(ctx context.Context, name string) error {
	_, err := r.run(ctx, r.YumPath, "-q", "-y", "install", name)
	return err
}

// Remove runs rpm -e on one exact package.
func (r *ExecRunner) Remove(ctx context.Context, spec string) error {
	_, err := r.run(ctx, r.RPMPath, "-e", spec)
	return err
}

func (r *ExecRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.G(ctx).WithField("command", name+" "+strings.Join(args, " ")).Debug("running package tool")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %v: %s: %w", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()), cerrdefs.ErrUnavailable)
	}
	return stdout.Bytes(), nil
}
