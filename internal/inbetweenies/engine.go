package inbetweenies

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adrianco/the-goodies/internal/debug"
	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// State is the engine's position in the sync cycle.
type State string

// Engine states. A cycle is cancellable in COLLECTING and SENDING; once a
// send succeeds the cycle runs to completion so the cursor only advances
// past durably applied changes.
const (
	StateIdle           State = "idle"
	StateCollecting     State = "collecting"
	StateSending        State = "sending"
	StateApplying       State = "applying"
	StateUpdatingVector State = "updating_vector"
	StateFailed         State = "failed"
)

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Pushed     int        `json:"pushed"`
	Applied    int        `json:"applied"`
	Duplicates int        `json:"duplicates"`
	Conflicts  []Conflict `json:"conflicts,omitempty"`
	Sequence   int64      `json:"sequence"`
	Rounds     int        `json:"rounds"`
}

// Engine drives the client side of the sync cycle: drain the outbound
// queue, exchange with the server, apply the server's changes in log order,
// then advance the cursor. One engine per replica; RunCycle is not safe for
// concurrent calls.
type Engine struct {
	mgr       *graph.Manager
	transport Transport
	userID    string

	// newBackoff builds the retry policy for one send. Swapped in tests.
	newBackoff func() backoff.BackOff

	mu      sync.Mutex
	state   State
	lastErr error
}

// NewEngine builds a sync engine for the replica behind mgr.
func NewEngine(mgr *graph.Manager, transport Transport, userID string) *Engine {
	return &Engine{
		mgr:        mgr,
		transport:  transport,
		userID:     userID,
		newBackoff: defaultBackoff,
		state:      StateIdle,
	}
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}

// State returns the engine's current cycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the error that put the engine in StateFailed, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	if s != StateFailed {
		e.lastErr = nil
	}
	e.mu.Unlock()
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.state = StateFailed
	e.lastErr = err
	e.mu.Unlock()
	return err
}

// RunCycle performs one full sync: push pending local changes, pull and
// apply the server's, looping until both sides are drained. Returns the
// aggregated result across rounds.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	store := e.mgr.Store()
	result := &CycleResult{}

	for {
		e.setState(StateCollecting)
		if err := ctx.Err(); err != nil {
			e.setState(StateIdle)
			return nil, err
		}

		queued, err := store.DequeueOutbound(ctx, MaxBatchRecords)
		if err != nil {
			return nil, e.fail(err)
		}
		changes, queueIDs := trimBatch(queued)

		since, err := e.sinceSequence(ctx)
		if err != nil {
			return nil, e.fail(err)
		}

		req := &Request{
			ProtocolVersion: ProtocolVersion,
			NodeID:          e.mgr.NodeID(),
			UserID:          e.userID,
			SinceSequence:   since,
			Changes:         changes,
			Capabilities:    []string{"entities"},
		}

		e.setState(StateSending)
		var resp *Response
		send := func() error {
			r, err := e.transport.Send(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}
		if err := backoff.Retry(send, backoff.WithContext(e.newBackoff(), ctx)); err != nil {
			return nil, e.fail(fmt.Errorf("sync send: %w", err))
		}

		// The send succeeded: the server has logged our pushes. From here
		// the cycle must finish even if the caller's context is cancelled,
		// or the cursor would claim changes we never ingested.
		apply := context.WithoutCancel(ctx)

		if err := store.AckOutbound(apply, queueIDs); err != nil {
			return nil, e.fail(err)
		}
		result.Pushed += len(changes)
		result.Duplicates += resp.Duplicates
		result.Conflicts = append(result.Conflicts, resp.Conflicts...)

		e.setState(StateApplying)
		for _, rec := range resp.Changes {
			res, err := e.mgr.ApplyRemote(apply, rec)
			if err != nil {
				return nil, e.fail(fmt.Errorf("applying change %s@%s: %w", rec.EntityID, rec.Version, err))
			}
			switch res.Outcome {
			case graph.OutcomeDuplicate:
				result.Duplicates++
			default:
				result.Applied++
			}
		}

		e.setState(StateUpdatingVector)
		if resp.NextSequence > since {
			if err := store.SetMeta(apply, storage.MetaSinceSequence, strconv.FormatInt(resp.NextSequence, 10)); err != nil {
				return nil, e.fail(err)
			}
		}
		result.Sequence = resp.NextSequence
		result.Rounds++
		debug.Logf("sync cycle round %d: pushed=%d applied=%d next=%d\n",
			result.Rounds, len(changes), len(resp.Changes), resp.NextSequence)

		// No cursor progress and nothing pushed means both sides are
		// drained.
		if resp.NextSequence <= since && len(changes) == 0 {
			break
		}
		if resp.NextSequence <= since && len(resp.Changes) == 0 && !e.hasOutbound(ctx) {
			break
		}
	}

	e.setState(StateIdle)
	return result, nil
}

func (e *Engine) hasOutbound(ctx context.Context) bool {
	depth, err := e.mgr.Store().OutboundDepth(ctx)
	return err == nil && depth > 0
}

func (e *Engine) sinceSequence(ctx context.Context) (int64, error) {
	raw, err := e.mgr.Store().GetMeta(ctx, storage.MetaSinceSequence)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sync cursor %q: %w", raw, err)
	}
	return n, nil
}

// trimBatch enforces the byte cap on an outbound batch. Records that do not
// fit stay queued; they were dequeued non-destructively and only acked
// records are removed.
func trimBatch(queued []*storage.QueuedChange) ([]*types.ChangeRecord, []int64) {
	changes := make([]*types.ChangeRecord, 0, len(queued))
	ids := make([]int64, 0, len(queued))
	size := 0
	for _, q := range queued {
		sz := q.Record.WireSize()
		if size+sz > MaxBatchBytes && len(changes) > 0 {
			break
		}
		changes = append(changes, q.Record)
		ids = append(ids, q.QueueID)
		size += sz
	}
	return changes, ids
}
