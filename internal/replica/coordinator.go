// Package replica coordinates a client replica's sync lifecycle: the
// periodic sync loop, connection health, the suspend flag used during
// operator resets, and the file lock that keeps two processes from driving
// the same replica database.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/inbetweenies"
	"github.com/adrianco/the-goodies/internal/storage"
)

// Sentinel errors
var (
	ErrLocked    = errors.New("replica is locked by another process")
	ErrSuspended = errors.New("sync is suspended")
)

// Health summarizes recent sync outcomes.
type Health string

// Health states
const (
	HealthUnknown  Health = "unknown"  // no cycle attempted yet
	HealthOnline   Health = "online"   // last cycle succeeded
	HealthDegraded Health = "degraded" // failures, but under the offline threshold
	HealthOffline  Health = "offline"  // repeated consecutive failures
)

// offlineThreshold is the consecutive-failure count at which the replica
// reports offline instead of degraded.
const offlineThreshold = 3

// DefaultSyncInterval is the periodic sync cadence when none is configured.
const DefaultSyncInterval = 30 * time.Second

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	NodeID    string    `json:"node_id"`
	Health    Health    `json:"health"`
	Suspended bool      `json:"suspended"`
	Pending   int       `json:"pending_changes"`
	Cursor    string    `json:"since_sequence"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Coordinator owns the replica's sync schedule.
type Coordinator struct {
	mgr      *graph.Manager
	engine   *inbetweenies.Engine
	lock     *flock.Flock
	interval time.Duration

	mu        sync.Mutex
	suspended bool
	health    Health
	lastSync  time.Time
	lastErr   error
	failures  int
}

// NewCoordinator acquires the replica lock and builds the coordinator.
// lockPath is conventionally the database path with a .lock suffix. Returns
// ErrLocked without blocking when another process holds the replica.
func NewCoordinator(mgr *graph.Manager, engine *inbetweenies.Engine, lockPath string, interval time.Duration) (*Coordinator, error) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	lk := flock.New(lockPath)
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring replica lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", lockPath, ErrLocked)
	}
	return &Coordinator{
		mgr:      mgr,
		engine:   engine,
		lock:     lk,
		interval: interval,
		health:   HealthUnknown,
	}, nil
}

// Close releases the replica lock.
func (c *Coordinator) Close() error {
	return c.lock.Unlock()
}

// Suspend stops SyncNow and the run loop from starting new cycles. Used
// while an operator-requested reset rewrites the local store.
func (c *Coordinator) Suspend() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

// Resume lifts a suspension.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
}

// SyncNow runs one sync cycle immediately and records the outcome.
func (c *Coordinator) SyncNow(ctx context.Context) (*inbetweenies.CycleResult, error) {
	c.mu.Lock()
	if c.suspended {
		c.mu.Unlock()
		return nil, ErrSuspended
	}
	c.mu.Unlock()

	res, err := c.engine.RunCycle(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		c.lastErr = err
		if c.failures >= offlineThreshold {
			c.health = HealthOffline
		} else {
			c.health = HealthDegraded
		}
		return nil, err
	}
	c.failures = 0
	c.lastErr = nil
	c.health = HealthOnline
	c.lastSync = time.Now()
	return res, nil
}

// Run drives periodic sync until the context ends. Failed cycles shorten
// the wait with a doubling retry delay so a recovering connection is picked
// up quickly; the delay never exceeds the configured interval.
func (c *Coordinator) Run(ctx context.Context) error {
	delay := c.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		_, err := c.SyncNow(ctx)
		switch {
		case errors.Is(err, ErrSuspended):
			delay = c.interval
		case err != nil:
			delay = c.retryDelay()
			debug.Logf("sync failed (retry in %s): %v\n", delay, err)
		default:
			delay = c.interval
		}
		timer.Reset(delay)
	}
}

func (c *Coordinator) retryDelay() time.Duration {
	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	delay := time.Second << (failures - 1)
	if delay > c.interval || delay <= 0 {
		delay = c.interval
	}
	return delay
}

// Status reports the coordinator's current view of the replica.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	pending, err := c.mgr.Store().OutboundDepth(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := c.mgr.Store().GetMeta(ctx, storage.MetaSinceSequence)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		cursor = "0"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := &Status{
		NodeID:    c.mgr.NodeID(),
		Health:    c.health,
		Suspended: c.suspended,
		Pending:   pending,
		Cursor:    cursor,
		LastSync:  c.lastSync,
		Failures:  c.failures,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st, nil
}
