package service

import (
	"context"
	"fmt"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Systemd is a Controller talking to the system manager over D-Bus. The
// connection is opened on first use.
type Systemd struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func (s *Systemd) connection(ctx context.Context) (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %v: %w", err, cerrdefs.ErrUnavailable)
	}
	s.conn = conn
	return conn, nil
}

// State implements Controller.
func (s *Systemd) State(ctx context.Context, unit string) (State, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return State{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return State{}, fmt.Errorf("failed to get state of %s: %v: %w", unit, err, cerrdefs.ErrUnavailable)
	}
	activeState, _ := props["ActiveState"].(string)
	fileState, _ := props["UnitFileState"].(string)
	return State{
		Enabled: fileState == "enabled",
		Active:  activeState == "active" || activeState == "activating" || activeState == "reloading",
	}, nil
}

// Apply implements Controller.
func (s *Systemd) Apply(ctx context.Context, unit string, action Action) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}
	switch action {
	case Enable:
		if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
			return fmt.Errorf("failed to enable %s: %v: %w", unit, err, cerrdefs.ErrUnavailable)
		}
		return s.reload(ctx, conn)
	case Disable:
		if _, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
			return fmt.Errorf("failed to disable %s: %v: %w", unit, err, cerrdefs.ErrUnavailable)
		}
		return s.reload(ctx, conn)
	case Start:
		return runJob(ctx, unit, action, conn.StartUnitContext)
	case Stop:
		return runJob(ctx, unit, action, conn.StopUnitContext)
	case Restart:
		return runJob(ctx, unit, action, conn.RestartUnitContext)
	default:
		return fmt.Errorf("unknown service action %v: %w", action, cerrdefs.ErrInvalidArgument)
	}
}

func (s *Systemd) reload(ctx context.Context, conn *dbus.Conn) error {
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %v: %w", err, cerrdefs.ErrUnavailable)
	}
	return nil
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// runJob queues a job for unit and waits for it to finish.
func runJob(ctx context.Context, unit string, action Action, fn jobFunc) error {
	done := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %v: %w", action, unit, err, cerrdefs.ErrUnavailable)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("failed to %s %s: job %s: %w", action, unit, result, cerrdefs.ErrUnavailable)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the D-Bus connection, if any.
func (s *Systemd) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
