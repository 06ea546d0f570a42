package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/journal"
	"github.com/3cpo-dev/fleetctl/internal/metrics"
)

// State is the lifecycle state of a Cluster.
type State int

const (
	Stopped State = iota
	Started
	Terminated
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Started:
		return "STARTED"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StatePreconditionError is returned when a transition is not allowed.
type StatePreconditionError struct {
	Op     string
	State  State
	Reason string
}

func (e *StatePreconditionError) Error() string {
	return fmt.Sprintf("%s: cluster is %s: %s", e.Op, e.State, e.Reason)
}

// GoalStateNormal is requested from the coordinator before a start.
const GoalStateNormal = "NORMAL"

// Cluster is the lifecycle state machine over a Sequencer. Transitions are
// serialized; an overlapping call fails instead of queueing.
type Cluster struct {
	seq         *Sequencer
	openJournal func() (*journal.Store, error)

	mu      sync.Mutex
	state   State
	busy    string
	journal *journal.Store
	opened  bool
}

// NewCluster returns a STOPPED cluster. openJournal is called at most once, on
// the first transition or dispatch record; it may be nil.
func NewCluster(seq *Sequencer, openJournal func() (*journal.Store, error)) *Cluster {
	return &Cluster{seq: seq, openJournal: openJournal}
}

// State returns the current state.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start sets the goal state to NORMAL and starts every role. It returns the
// number of failed dispatches.
func (c *Cluster) Start(ctx context.Context) (int, error) {
	from, err := c.begin("start")
	if err != nil {
		return 0, err
	}
	if c.seq.Admin != nil {
		if err := c.seq.Admin.SetGoalState(ctx, GoalStateNormal); err != nil {
			log.Warn().Err(err).Msg("set goal state failed, starting anyway")
		}
	}
	failed := c.seq.StartAll(ctx)
	if err := ctx.Err(); err != nil {
		c.end("start", from, from, err)
		return failed, fmt.Errorf("start: %w", err)
	}
	c.end("start", from, Started, nil)
	return failed, nil
}

// Stop runs the shutdown escalation. The cluster is STOPPED afterwards even if
// some servers could not be reached.
func (c *Cluster) Stop(ctx context.Context) (int, error) {
	from, err := c.begin("stop")
	if err != nil {
		return 0, err
	}
	failed := c.seq.StopAll(ctx)
	c.end("stop", from, Stopped, nil)
	return failed, nil
}

// Terminate stops a started cluster, releases held resources and moves to
// TERMINATED. A terminated cluster accepts no further transitions.
func (c *Cluster) Terminate(ctx context.Context) (int, error) {
	from, err := c.begin("terminate")
	if err != nil {
		return 0, err
	}
	failed := 0
	if from == Started {
		failed = c.seq.StopAll(ctx)
	}
	c.end("terminate", from, Terminated, nil)
	c.release()
	return failed, nil
}

// Close releases held resources without changing state.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal == nil {
		return nil
	}
	err := c.journal.Close()
	c.journal = nil
	return err
}

// RecordDispatch journals a dispatch outcome. It is meant as the dispatcher's
// Observe hook and is safe for concurrent use.
func (c *Cluster) RecordDispatch(r dispatch.Result) {
	j := c.store()
	if j == nil {
		return
	}
	if err := j.RecordDispatch(context.Background(), r); err != nil {
		log.Debug().Err(err).Str("instance", r.Instance.String()).Msg("journal dispatch failed")
	}
}

func (c *Cluster) begin(op string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Terminated {
		metrics.TransitionsTotal.WithLabelValues(op, "rejected").Inc()
		return c.state, &StatePreconditionError{Op: op, State: c.state, Reason: "cluster has been terminated"}
	}
	if c.busy != "" {
		metrics.TransitionsTotal.WithLabelValues(op, "rejected").Inc()
		return c.state, &StatePreconditionError{Op: op, State: c.state, Reason: c.busy + " in progress"}
	}
	c.busy = op
	return c.state, nil
}

func (c *Cluster) end(op string, from, to State, opErr error) {
	c.mu.Lock()
	c.state = to
	c.busy = ""
	c.mu.Unlock()
	metrics.TransitionsTotal.WithLabelValues(op, metrics.Result(opErr)).Inc()
	log.Info().Str("op", op).Stringer("from", from).Stringer("to", to).Msg("cluster transition")
	if j := c.store(); j != nil {
		if err := j.RecordTransition(context.Background(), op, from.String(), to.String(), opErr); err != nil {
			log.Debug().Err(err).Msg("journal transition failed")
		}
	}
}

// store opens the journal on first use.
func (c *Cluster) store() *journal.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened && c.openJournal != nil {
		c.opened = true
		j, err := c.openJournal()
		if err != nil {
			log.Warn().Err(err).Msg("journal unavailable, continuing without it")
		} else {
			c.journal = j
		}
	}
	return c.journal
}

func (c *Cluster) release() {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("close journal")
	}
}
