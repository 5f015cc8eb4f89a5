package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/hostconverge/hostconverge/daemon/config"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"github.com/hostconverge/hostconverge/daemon/reconcile"
	"github.com/hostconverge/hostconverge/daemon/service"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

type recordingServices struct {
	mu     sync.Mutex
	states int
}

func (s *recordingServices) State(context.Context, string) (service.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states++
	return service.State{}, nil
}

func (s *recordingServices) Apply(context.Context, string, service.Action) error {
	return nil
}

func (s *recordingServices) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states
}

func testConfig(t *testing.T, host string) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.OS = host
	disabled := false
	cfg.Builders["gshadow"] = config.BuilderConfig{Enabled: &disabled}
	cfg.Relabel = &disabled
	dir := t.TempDir()
	cfg.Jail.Path = filepath.Join(dir, "jail.local")
	cfg.StateFile = filepath.Join(dir, "state.db")
	assert.NilError(t, config.Validate(cfg))
	return cfg
}

func newTestDaemon(t *testing.T, host string, services service.Controller) *Daemon {
	t.Helper()
	ctx := context.Background()
	d, err := NewDaemon(ctx, testConfig(t, host), Options{Services: services})
	assert.NilError(t, err)
	t.Cleanup(func() { d.Shutdown(ctx) })
	return d
}

func TestNewDaemonRegistersBuilders(t *testing.T) {
	d := newTestDaemon(t, "rocky-9", &recordingServices{})
	assert.Check(t, is.Equal(hostinfo.Rocky9, d.Host()))

	var names []string
	for _, m := range d.Registry().Managers() {
		names = append(names, m.Name())
	}
	assert.Check(t, is.DeepEqual([]string{"gshadow", "jail"}, names))
}

func TestRebuildAll(t *testing.T) {
	services := &recordingServices{}
	d := newTestDaemon(t, "rocky-8", services)

	results := d.RebuildAll(context.Background())
	assert.Assert(t, is.Len(results, 1))
	assert.Check(t, is.Equal("jail", results[0].Builder))
	assert.Check(t, results[0].Converged, "%v", results[0].Err)
	assert.Check(t, is.Equal(1, services.count()))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		rec, err := d.State().Get("jail")
		if err != nil {
			return poll.Continue("%v", err)
		}
		if rec.Pass != results[0].Pass {
			return poll.Continue("recorded pass %s, waiting for %s", rec.Pass, results[0].Pass)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second))
}

func TestTableChangedTriggersBuilder(t *testing.T) {
	services := &recordingServices{}
	ctx := context.Background()
	d := newTestDaemon(t, "centos-7", services)
	assert.NilError(t, d.Start(ctx))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if services.count() == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for initial pass")
	}, poll.WithTimeout(10*time.Second))

	d.TableChanged(ctx, "linux_groups")
	d.TableChanged(ctx, "net_binds")
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if services.count() == 2 {
			return poll.Success()
		}
		return poll.Continue("waiting for notified pass, got %d", services.count())
	}, poll.WithTimeout(10*time.Second))
}

func TestStartReportsUnsupportedHost(t *testing.T) {
	d := newTestDaemon(t, "centos-5", &recordingServices{})

	err := d.Start(context.Background())
	assert.Check(t, is.ErrorType(err, cerrdefs.IsNotImplemented))
	assert.Check(t, is.Equal(reconcile.KindConfiguration, reconcile.Classify(err)))
}
