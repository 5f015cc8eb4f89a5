package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/hostconverge/hostconverge/daemon/hostinfo"
	"github.com/moby/pubsub"
	"golang.org/x/sync/errgroup"
)

// RegistryOptions configures a Registry and every Manager it creates.
type RegistryOptions struct {
	Host     hostinfo.OS
	Notifier Notifier
	// Enabled reports whether the builder with the given name may run. A
	// nil func enables every builder.
	Enabled func(name string) bool
	// NudgeInterval, if non-zero, is how often failed builders are retried
	// without waiting for a new notification.
	NudgeInterval time.Duration
	// RebuildInterval is passed to each Manager as its MinInterval.
	RebuildInterval time.Duration
	Clock           clock.Clock
}

// Registry holds exactly one Manager per builder kind, in registration
// order.
type Registry struct {
	opts     RegistryOptions
	results  *pubsub.Publisher
	mu       sync.Mutex
	managers []*Manager
	byName   map[string]*Manager

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return &Registry{
		opts:    opts,
		results: pubsub.NewPublisher(100*time.Millisecond, 16),
		byName:  map[string]*Manager{},
	}
}

// Register creates the Manager for b. Registering the same builder kind
// twice is an error.
func (r *Registry) Register(b Builder) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("builder %s is already registered: %w", name, cerrdefs.ErrAlreadyExists)
	}
	enabled := true
	if r.opts.Enabled != nil {
		enabled = r.opts.Enabled(name)
	}
	m := NewManager(b, ManagerOptions{
		Host:        r.opts.Host,
		Enabled:     enabled,
		Notifier:    r.opts.Notifier,
		MinInterval: r.opts.RebuildInterval,
		Publish:     r.publish,
	})
	r.managers = append(r.managers, m)
	r.byName[name] = m
	return m, nil
}

// Manager returns the Manager of the named builder kind.
func (r *Registry) Manager(name string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[name]
	return m, ok
}

// Managers returns every Manager in registration order.
func (r *Registry) Managers() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Manager(nil), r.managers...)
}

func (r *Registry) publish(res Result) {
	r.results.Publish(res)
}

// Subscribe returns a channel receiving the Result of every pass.
func (r *Registry) Subscribe() chan interface{} {
	return r.results.Subscribe()
}

// Evict removes a subscription created by Subscribe.
func (r *Registry) Evict(ch chan interface{}) {
	r.results.Evict(ch)
}

// Start starts every Manager in registration order and runs their pumps in
// the background. A builder that fails to start is logged and skipped; the
// others keep running. The returned error joins every start failure.
func (r *Registry) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	var errs []error
	for _, m := range r.Managers() {
		if err := m.Start(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		group.Go(func() error {
			m.Run(ctx)
			return nil
		})
	}
	if r.opts.NudgeInterval > 0 {
		group.Go(func() error {
			r.nudgeLoop(ctx)
			return nil
		})
	}

	r.mu.Lock()
	r.cancel, r.group = cancel, group
	r.mu.Unlock()
	return errors.Join(errs...)
}

func (r *Registry) nudgeLoop(ctx context.Context) {
	ticker := r.opts.Clock.NewTicker(r.opts.NudgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, m := range r.Managers() {
				if m.Started() {
					m.nudge()
				}
			}
		}
	}
}

// RebuildAll runs one synchronous pass of every enabled, supported builder,
// in registration order.
func (r *Registry) RebuildAll(ctx context.Context) []Result {
	var results []Result
	for _, m := range r.Managers() {
		if err := m.Start(ctx); err != nil || !m.Started() {
			continue
		}
		results = append(results, m.RebuildNow(ctx))
	}
	return results
}

// Stop stops the pumps, waiting for passes in progress to finish, and closes
// every subscription.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil {
			log.L.WithError(err).Warn("builder pumps exited with error")
		}
	}
	r.results.Close()
}
