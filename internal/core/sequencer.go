package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetctl/internal/admin"
	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/metrics"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Sequencer orders fleet-wide start, stop and kill operations. Every method is
// best-effort: dispatch failures are logged and counted, never returned, and
// later steps always run.
type Sequencer struct {
	Topology   *topology.Topology
	Dispatcher *dispatch.Dispatcher
	Admin      admin.Admin
	Purger     admin.Purger

	// AdminGrace is waited after a successful administrative stop,
	// ForcedGrace after a failed one. WorkerGrace separates worker stop from kill.
	AdminGrace  time.Duration
	ForcedGrace time.Duration
	WorkerGrace time.Duration

	// Sleep waits for d; nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

var errNoAdmin = errors.New("no administrative client configured")

// StartWorkers launches every worker in batches and waits for the launches.
func (s *Sequencer) StartWorkers(ctx context.Context) int {
	return s.Dispatcher.LaunchAll(ctx, topology.Worker, s.Topology.Hosts(topology.Worker), dispatch.Start).Wait()
}

// StartAll starts workers first, then coordinators, garbage collectors, the monitor and tracers.
func (s *Sequencer) StartAll(ctx context.Context) int {
	launch := s.Dispatcher.LaunchAll(ctx, topology.Worker, s.Topology.Hosts(topology.Worker), dispatch.Start)
	tasks := s.singletons(ctx, dispatch.Start)
	failed := launch.Wait() + tasks.Wait()
	log.Info().Int("failed", failed).Msg("start dispatched to all roles")
	return failed
}

// StopAll asks the coordinator to stop the cluster, then escalates stop and
// kill to every non-worker role, stops the workers and purges stale registrations.
// The escalation runs even when the administrative stop succeeded.
func (s *Sequencer) StopAll(ctx context.Context) int {
	grace := s.AdminGrace
	if err := s.adminStopAll(ctx); err != nil {
		log.Warn().Err(err).Dur("grace", s.ForcedGrace).Msg("administrative shutdown failed, forcing shutdown")
		grace = s.ForcedGrace
	} else {
		log.Info().Dur("grace", grace).Msg("cluster shut down cleanly, stopping unresponsive servers")
	}
	s.sleep(ctx, grace)

	failed := 0
	for _, cmd := range []dispatch.Command{dispatch.Stop, dispatch.Kill} {
		failed += s.singletons(ctx, cmd).Wait()
	}
	failed += s.StopWorkers(ctx)
	s.purge(ctx, topology.Coordinator, topology.Worker, topology.Tracer)
	return failed
}

// StopWorkers sends stop to every worker, waits WorkerGrace, sends kill to every
// worker and purges worker registrations. The kill round does not wait for the
// stop round, so a stop that hangs on one host cannot hold back the kills. Both
// rounds are joined before the purge.
func (s *Sequencer) StopWorkers(ctx context.Context) int {
	hosts := s.Topology.Hosts(topology.Worker)
	log.Info().Int("hosts", len(hosts)).Msg("stopping workers")
	stops := s.Dispatcher.Fanout(ctx, topology.Worker, hosts, dispatch.Stop)
	s.sleep(ctx, s.WorkerGrace)
	log.Info().Int("hosts", len(hosts)).Msg("killing unresponsive workers")
	kills := s.Dispatcher.Fanout(ctx, topology.Worker, hosts, dispatch.Kill)
	failed := kills.Wait() + stops.Wait()
	s.purge(ctx, topology.Worker)
	return failed
}

// KillAll kills every role without grace periods and purges coordinator and worker registrations.
func (s *Sequencer) KillAll(ctx context.Context) int {
	failed := s.singletons(ctx, dispatch.Kill).Wait()
	failed += s.Dispatcher.Fanout(ctx, topology.Worker, s.Topology.Hosts(topology.Worker), dispatch.Kill).Wait()
	s.purge(ctx, topology.Coordinator, topology.Worker)
	return failed
}

// StartHere starts, for each role, the first topology entry that names this machine.
func (s *Sequencer) StartHere(ctx context.Context) int {
	var tasks dispatch.Tasks
	for _, r := range []topology.Role{topology.Worker, topology.Coordinator, topology.GarbageCollector, topology.Monitor, topology.Tracer} {
		if host, ok := s.firstLocal(r); ok {
			tasks = append(tasks, s.Dispatcher.Dispatch(ctx, r, host, dispatch.Start)...)
		}
	}
	return tasks.Wait()
}

// StopHere asks the coordinator to stop the local worker, then sends stop and
// kill to the first local entry of each role.
func (s *Sequencer) StopHere(ctx context.Context) int {
	if host, ok := s.firstLocal(topology.Worker); ok {
		var err error = errNoAdmin
		if s.Admin != nil {
			err = s.Admin.StopWorker(ctx, host)
		}
		if err != nil {
			log.Warn().Err(err).Str("host", host).Msg("administrative worker stop failed")
		}
	}
	failed := 0
	for _, cmd := range []dispatch.Command{dispatch.Stop, dispatch.Kill} {
		var tasks dispatch.Tasks
		for _, r := range []topology.Role{topology.Worker, topology.GarbageCollector, topology.Coordinator, topology.Monitor, topology.Tracer} {
			if host, ok := s.firstLocal(r); ok {
				tasks = append(tasks, s.Dispatcher.Dispatch(ctx, r, host, cmd)...)
			}
		}
		failed += tasks.Wait()
	}
	return failed
}

// singletons dispatches cmd to coordinators, garbage collectors, the monitor and tracers, in that order.
func (s *Sequencer) singletons(ctx context.Context, cmd dispatch.Command) dispatch.Tasks {
	var tasks dispatch.Tasks
	for _, r := range []topology.Role{topology.Coordinator, topology.GarbageCollector, topology.Monitor, topology.Tracer} {
		tasks = append(tasks, s.Dispatcher.Fanout(ctx, r, s.Topology.Hosts(r), cmd)...)
	}
	return tasks
}

// firstLocal returns the first host of role that names this machine. Only one
// entry is acted on even if several match.
func (s *Sequencer) firstLocal(r topology.Role) (string, bool) {
	if s.Dispatcher.Identity == nil {
		return "", false
	}
	for _, h := range s.Topology.Hosts(r) {
		if s.Dispatcher.Identity.IsLocal(h) {
			return h, true
		}
	}
	return "", false
}

func (s *Sequencer) adminStopAll(ctx context.Context) error {
	if s.Admin == nil {
		return &admin.AdministrativeShutdownFailure{Op: "stopAll", Err: errNoAdmin}
	}
	return s.Admin.StopAll(ctx)
}

func (s *Sequencer) purge(ctx context.Context, roles ...topology.Role) {
	err := errors.New("no purger configured")
	if s.Purger != nil {
		err = s.Purger.Purge(ctx, roles...)
	}
	metrics.PurgeTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Msg("coordination service cleanup failed; the next stop or kill retries it")
		return
	}
	log.Info().Interface("roles", roles).Msg("stale registrations purged")
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if s.Sleep != nil {
		s.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
