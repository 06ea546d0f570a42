package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetctl/internal/hostid"
	"github.com/3cpo-dev/fleetctl/internal/metrics"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// BatchSize caps how many hosts are launched before LaunchAll waits for the batch.
const BatchSize = 72

// LocalRunner runs a control command on this machine.
type LocalRunner interface {
	RunLocal(ctx context.Context, inst Instance, cmd Command) error
}

// RemoteRunner runs a control command on inst.Host.
type RemoteRunner interface {
	RunRemote(ctx context.Context, inst Instance, cmd Command) error
}

// DispatchFailure is a single failed control call. Failures are logged and
// reported to observers, never retried here.
type DispatchFailure struct {
	Instance Instance
	Command  Command
	Local    bool
	Err      error
}

func (e *DispatchFailure) Error() string {
	target := "remote"
	if e.Local {
		target = "local"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Command, e.Instance, target, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// Result describes a completed dispatch.
type Result struct {
	Instance Instance
	Command  Command
	Local    bool
	Duration time.Duration
	Err      error
}

// Dispatcher issues control commands, choosing local or remote execution per host.
type Dispatcher struct {
	Local          LocalRunner
	Remote         RemoteRunner
	Identity       hostid.Identity
	WorkersPerHost int

	// Observe, if set, is called once per instance after it completes.
	// It may be called concurrently.
	Observe func(Result)
}

// Instances returns the instances a dispatch to host would target.
func (d *Dispatcher) Instances(role topology.Role, host string) []Instance {
	if !role.MultiInstance() {
		return []Instance{{Role: role, Host: host}}
	}
	n := d.WorkersPerHost
	if n < 1 {
		n = 1
	}
	out := make([]Instance, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Instance{Role: role, Host: host, Index: i})
	}
	return out
}

// Dispatch sends cmd to every instance of role on host concurrently and returns
// without waiting. Join with Tasks.Wait.
func (d *Dispatcher) Dispatch(ctx context.Context, role topology.Role, host string, cmd Command) Tasks {
	local := d.Identity != nil && d.Identity.IsLocal(host)
	insts := d.Instances(role, host)
	tasks := make(Tasks, 0, len(insts))
	for _, inst := range insts {
		t := &Task{Instance: inst, Command: cmd, done: make(chan struct{})}
		tasks = append(tasks, t)
		go d.run(ctx, t, local)
	}
	return tasks
}

func (d *Dispatcher) run(ctx context.Context, t *Task, local bool) {
	defer close(t.done)
	start := time.Now()
	var err error
	if local {
		if d.Local == nil {
			err = fmt.Errorf("no local runner configured")
		} else {
			err = d.Local.RunLocal(ctx, t.Instance, t.Command)
		}
	} else {
		if d.Remote == nil {
			err = fmt.Errorf("no remote runner configured")
		} else {
			err = d.Remote.RunRemote(ctx, t.Instance, t.Command)
		}
	}
	elapsed := time.Since(start)

	target := "remote"
	if local {
		target = "local"
	}
	role, cmd := string(t.Instance.Role), string(t.Command)
	metrics.DispatchTotal.WithLabelValues(role, cmd, target, metrics.Result(err)).Inc()
	metrics.DispatchDuration.WithLabelValues(role, cmd).Observe(elapsed.Seconds())

	if err != nil {
		t.err = &DispatchFailure{Instance: t.Instance, Command: t.Command, Local: local, Err: err}
		log.Warn().
			Err(err).
			Str("role", role).
			Str("host", t.Instance.Host).
			Int("instance", t.Instance.Index).
			Str("command", cmd).
			Str("target", target).
			Msg("dispatch failed")
	} else {
		log.Debug().
			Str("role", role).
			Str("host", t.Instance.Host).
			Int("instance", t.Instance.Index).
			Str("command", cmd).
			Dur("elapsed", elapsed).
			Msg("dispatched")
	}
	if d.Observe != nil {
		d.Observe(Result{Instance: t.Instance, Command: t.Command, Local: local, Duration: elapsed, Err: err})
	}
}

// Fanout dispatches cmd to every host concurrently.
func (d *Dispatcher) Fanout(ctx context.Context, role topology.Role, hosts []string, cmd Command) Tasks {
	var tasks Tasks
	for _, h := range hosts {
		tasks = append(tasks, d.Dispatch(ctx, role, h, cmd)...)
	}
	return tasks
}

// LaunchAll dispatches cmd to hosts without waiting on earlier launches, except
// that after every BatchSize hosts it blocks until that batch has completed.
// The final partial batch is left outstanding on the returned Launch.
func (d *Dispatcher) LaunchAll(ctx context.Context, role topology.Role, hosts []string, cmd Command) *Launch {
	l := &Launch{}
	for _, batch := range Chunk(hosts, BatchSize) {
		for _, h := range batch {
			l.pending = append(l.pending, d.Dispatch(ctx, role, h, cmd)...)
		}
		if len(batch) == BatchSize {
			log.Debug().Str("role", string(role)).Int("batch", len(batch)).Msg("waiting for batch to complete")
			l.join()
		}
	}
	return l
}

// Launch tracks a batched launch.
type Launch struct {
	pending Tasks
	joins   int
	failed  int
}

func (l *Launch) join() {
	l.failed += l.pending.Wait()
	l.pending = nil
	l.joins++
	metrics.BatchJoinsTotal.Inc()
}

// Wait joins any outstanding launches and returns the total failure count.
func (l *Launch) Wait() int {
	if len(l.pending) > 0 {
		l.join()
	}
	return l.failed
}

// Joins reports how many batch barriers have been taken so far.
func (l *Launch) Joins() int { return l.joins }

// Task is one in-flight instance dispatch.
type Task struct {
	Instance Instance
	Command  Command

	done chan struct{}
	err  error
}

// Wait blocks until the dispatch completes and returns its failure, if any.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Tasks is a joinable set of dispatches.
type Tasks []*Task

// Wait joins every task and returns how many failed.
func (ts Tasks) Wait() int {
	failed := 0
	for _, t := range ts {
		if t.Wait() != nil {
			failed++
		}
	}
	return failed
}

// Chunk splits hosts into consecutive slices of at most size elements.
func Chunk(hosts []string, size int) [][]string {
	if size <= 0 {
		return [][]string{hosts}
	}
	var chunks [][]string
	for i := 0; i < len(hosts); i += size {
		end := i + size
		if end > len(hosts) {
			end = len(hosts)
		}
		chunks = append(chunks, hosts[i:end])
	}
	return chunks
}
