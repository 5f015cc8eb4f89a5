// Package notify fans table change notifications out to the builders that
// depend on those tables.
package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-events"
)

// TableChanged is published when the contents of a table change.
type TableChanged struct {
	Table string
}

// Hub is a broadcaster of TableChanged events. Every registered sink gets its
// own queue, so a slow sink never blocks Publish.
type Hub struct {
	broadcaster *events.Broadcaster

	mu     sync.Mutex
	closed bool
}

// NewHub returns a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{broadcaster: events.NewBroadcaster()}
}

// Register delivers a TableChanged event to sink for every change of one of
// tables. With no tables, sink receives nothing.
func (h *Hub) Register(sink events.Sink, tables ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("notification hub is closed: %w", cerrdefs.ErrFailedPrecondition)
	}
	watched := slices.Clone(tables)
	q := events.NewQueue(sink)
	filtered := events.NewFilter(q, events.MatcherFunc(func(ev events.Event) bool {
		tc, ok := ev.(TableChanged)
		return ok && slices.Contains(watched, tc.Table)
	}))
	if err := h.broadcaster.Add(filtered); err != nil {
		q.Close()
		return err
	}
	return nil
}

// Publish announces that table changed.
func (h *Hub) Publish(ctx context.Context, table string) {
	if err := h.broadcaster.Write(TableChanged{Table: table}); err != nil {
		log.G(ctx).WithError(err).WithField("table", table).Warn("failed to publish table change")
	}
}

// Close stops delivery to every registered sink and closes them.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.broadcaster.Close()
}
