// Package reconcile runs builders: each builder kind gets one Manager that
// turns a stream of change notifications into serialized, coalesced rebuild
// passes.
package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/google/uuid"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"golang.org/x/time/rate"
)

// Builder converges one part of the host.
type Builder interface {
	// Name identifies the builder kind.
	Name() string
	// Tables lists the notification tables that make the builder's
	// desired state stale.
	Tables() []string
	// SupportedHosts lists the hosts the builder can converge. An empty
	// list means any host.
	SupportedHosts() []hostinfo.OS
	// Rebuild runs one pass. It is never called concurrently for the same
	// Manager.
	Rebuild(ctx context.Context) error
}

// Notifier delivers change notifications for tables to a sink.
type Notifier interface {
	Register(sink events.Sink, tables ...string) error
}

// Result reports the outcome of one rebuild pass.
type Result struct {
	Builder   string
	Pass      string
	Converged bool
	Kind      FailureKind
	Err       error
	Duration  time.Duration
}

// Manager owns the rebuild loop of one builder.
type Manager struct {
	builder  Builder
	host     hostinfo.OS
	enabled  bool
	notifier Notifier
	limiter  *rate.Limiter
	publish  func(Result)

	// mu is held for the duration of every pass.
	mu     sync.Mutex
	dirty  atomic.Bool
	signal chan struct{}

	startOnce sync.Once
	startErr  error
	started   atomic.Bool
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Host     hostinfo.OS
	Enabled  bool
	Notifier Notifier
	// MinInterval, if non-zero, is the minimum time between the start of
	// two passes.
	MinInterval time.Duration
	// Publish, if set, receives the result of every pass.
	Publish func(Result)
}

// NewManager returns a Manager for b. It does nothing until Start and Run
// are called.
func NewManager(b Builder, opts ManagerOptions) *Manager {
	m := &Manager{
		builder:  b,
		host:     opts.Host,
		enabled:  opts.Enabled,
		notifier: opts.Notifier,
		publish:  opts.Publish,
		signal:   make(chan struct{}, 1),
	}
	if opts.MinInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return m
}

// Name returns the builder kind.
func (m *Manager) Name() string {
	return m.builder.Name()
}

// Started reports whether Start registered the manager.
func (m *Manager) Started() bool {
	return m.started.Load()
}

// Start checks that the builder is enabled and supports this host, then
// registers for its tables and queues an initial pass. Only the first call
// does anything; later calls return the first call's error.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		logger := log.G(ctx).WithField("builder", m.Name())
		if !m.enabled {
			logger.Info("builder is disabled")
			return
		}
		if hosts := m.builder.SupportedHosts(); len(hosts) > 0 && !slices.Contains(hosts, m.host) {
			m.startErr = fmt.Errorf("builder %s does not support host %q (supported: %v): %w", m.Name(), m.host, hosts, cerrdefs.ErrNotImplemented)
			logger.WithError(m.startErr).Error("unable to start builder")
			return
		}
		if m.notifier != nil {
			if err := m.notifier.Register(m, m.builder.Tables()...); err != nil {
				m.startErr = fmt.Errorf("builder %s: failed to register for notifications: %w", m.Name(), err)
				logger.WithError(m.startErr).Error("unable to start builder")
				return
			}
		}
		m.started.Store(true)
		logger.WithField("tables", m.builder.Tables()).Debug("builder started")
		m.RequestRebuild()
	})
	return m.startErr
}

// RequestRebuild marks the builder's state stale. It never blocks. Requests
// that arrive while a pass is queued or running are merged into a single
// following pass.
func (m *Manager) RequestRebuild() {
	rebuildRequests.WithValues(m.Name()).Inc()
	m.dirty.Store(true)
	m.wake()
}

func (m *Manager) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// nudge retries a pass that previously failed, without marking anything
// stale.
func (m *Manager) nudge() {
	if m.dirty.Load() {
		m.wake()
	}
}

// Write implements events.Sink so a Manager can be registered directly with a
// notification source.
func (m *Manager) Write(events.Event) error {
	m.RequestRebuild()
	return nil
}

// Close implements events.Sink.
func (m *Manager) Close() error {
	return nil
}

// Run pumps queued rebuild requests until ctx is done. It returns at once
// if the manager was not started.
func (m *Manager) Run(ctx context.Context) {
	if !m.started.Load() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
			m.rebuildIfQueued(ctx)
		}
	}
}

func (m *Manager) rebuildIfQueued(ctx context.Context) {
	if !m.dirty.Swap(false) {
		return
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			m.dirty.Store(true)
			return
		}
	}
	// A pass runs to completion once started, even if ctx is cancelled.
	m.rebuild(context.WithoutCancel(ctx))
}

// RebuildNow runs a pass synchronously, covering any queued request.
func (m *Manager) RebuildNow(ctx context.Context) Result {
	m.dirty.Store(false)
	return m.rebuild(ctx)
}

func (m *Manager) rebuild(ctx context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := Result{Builder: m.Name(), Pass: uuid.NewString()}
	logger := log.G(ctx).WithFields(log.Fields{
		"builder": res.Builder,
		"pass":    res.Pass,
	})
	ctx = log.WithLogger(ctx, logger)

	start := time.Now()
	res.Err = m.runBuilder(ctx)
	res.Duration = time.Since(start)
	rebuildDuration.WithValues(res.Builder).UpdateSince(start)

	res.Kind = Classify(res.Err)
	res.Converged = res.Err == nil
	if res.Converged {
		logger.WithField("duration", res.Duration).Debug("rebuild converged")
	} else {
		// Leave the builder dirty so the next trigger or nudge retries.
		m.dirty.Store(true)
		rebuildFailures.WithValues(res.Builder, res.Kind.String()).Inc()
		entry := logger.WithError(res.Err).WithField("kind", res.Kind.String())
		if res.Kind == KindInvariant {
			entry.Error("invariant violated during rebuild")
		} else {
			entry.Error("rebuild failed")
		}
	}
	if m.publish != nil {
		m.publish(res)
	}
	return res
}

// runBuilder turns a panicking builder into an invariant failure so one
// broken builder cannot take the agent down.
func (m *Manager) runBuilder(ctx context.Context) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.G(ctx).WithField("stack", string(debug.Stack())).Error("builder panicked")
			retErr = fmt.Errorf("builder %s panicked: %v: %w", m.Name(), r, cerrdefs.ErrInternal)
		}
	}()
	return m.builder.Rebuild(ctx)
}
