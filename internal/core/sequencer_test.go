package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/dispatch/dispatchtest"
	"github.com/3cpo-dev/fleetctl/internal/hostid"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

type fakeAdmin struct {
	rec  *dispatchtest.Recorder
	fail error
}

func (a *fakeAdmin) StopAll(ctx context.Context) error {
	a.rec.Mark("admin stopAll")
	return a.fail
}

func (a *fakeAdmin) StopWorker(ctx context.Context, host string) error {
	a.rec.Mark("admin stop " + host)
	return a.fail
}

func (a *fakeAdmin) SetGoalState(ctx context.Context, state string) error {
	a.rec.Mark("admin goal " + state)
	return a.fail
}

type fakePurger struct {
	rec  *dispatchtest.Recorder
	fail error
}

func (p *fakePurger) Purge(ctx context.Context, roles ...topology.Role) error {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	p.rec.Mark("purge " + strings.Join(names, ","))
	return p.fail
}

func newTestSequencer(rec *dispatchtest.Recorder, topo *topology.Topology, local ...string) *Sequencer {
	return &Sequencer{
		Topology: topo,
		Dispatcher: &dispatch.Dispatcher{
			Local:          rec,
			Remote:         rec,
			Identity:       hostid.NewStatic(local...),
			WorkersPerHost: 1,
		},
		Admin:       &fakeAdmin{rec: rec},
		Purger:      &fakePurger{rec: rec},
		AdminGrace:  5 * time.Second,
		ForcedGrace: 15 * time.Second,
		WorkerGrace: 10 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) {
			rec.Mark(fmt.Sprintf("sleep %s", d))
		},
	}
}

func smallFleet() *topology.Topology {
	return topology.New(map[topology.Role][]string{
		topology.Worker:           {"w1", "w2"},
		topology.Coordinator:      {"m1"},
		topology.GarbageCollector: {"m1"},
		topology.Tracer:           {"t1"},
	})
}

// span returns the first and last index of events matching any of names.
func span(t *testing.T, events []string, names ...string) (int, int) {
	t.Helper()
	first, last := -1, -1
	for i, e := range events {
		for _, n := range names {
			if e == n {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
	}
	require.GreaterOrEqual(t, first, 0, "none of %v in %v", names, events)
	return first, last
}

// before asserts every event in a precedes every event in b.
func before(t *testing.T, events []string, a, b []string) {
	t.Helper()
	_, lastA := span(t, events, a...)
	firstB, _ := span(t, events, b...)
	assert.Less(t, lastA, firstB, "%v should precede %v in %v", a, b, events)
}

func TestStopWorkersOrder(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	assert.Equal(t, 0, s.StopWorkers(context.Background()))

	ev := rec.Events()
	stops := []string{"stop tserver#1@w1", "stop tserver#1@w2"}
	kills := []string{"kill tserver#1@w1", "kill tserver#1@w2"}
	before(t, ev, []string{"sleep 10s"}, kills)
	before(t, ev, stops, []string{"purge tserver"})
	before(t, ev, kills, []string{"purge tserver"})
	assert.Len(t, ev, 6)
}

// hangingRunner blocks stop on one host until release is closed.
type hangingRunner struct {
	*dispatchtest.Recorder
	host    string
	release chan struct{}
}

func (r *hangingRunner) RunRemote(ctx context.Context, inst dispatch.Instance, cmd dispatch.Command) error {
	err := r.Recorder.RunRemote(ctx, inst, cmd)
	if cmd == dispatch.Stop && inst.Host == r.host {
		<-r.release
	}
	return err
}

func TestStopWorkersHungStopDoesNotHoldKills(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	runner := &hangingRunner{Recorder: rec, host: "w1", release: make(chan struct{})}
	s.Dispatcher.Remote = runner

	done := make(chan int, 1)
	go func() { done <- s.StopWorkers(context.Background()) }()

	require.Eventually(t, func() bool {
		return rec.Count(topology.Worker, dispatch.Kill) == 2
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("returned before the hung stop completed")
	default:
	}
	assert.NotContains(t, rec.Events(), "purge tserver")

	close(runner.release)
	select {
	case failed := <-done:
		assert.Equal(t, 0, failed)
	case <-time.After(2 * time.Second):
		t.Fatal("stop workers did not return after release")
	}
	assert.Equal(t, "purge tserver", rec.Events()[len(rec.Events())-1])
}

func TestStopWorkersKillsEvenIfStopsFail(t *testing.T) {
	rec := &dispatchtest.Recorder{Fail: func(c dispatchtest.Call) error {
		if c.Command == dispatch.Stop {
			return errors.New("connection refused")
		}
		return nil
	}}
	s := newTestSequencer(rec, smallFleet())
	assert.Equal(t, 2, s.StopWorkers(context.Background()))
	assert.Equal(t, 2, rec.Count(topology.Worker, dispatch.Kill))
	assert.Contains(t, rec.Events(), "purge tserver")
}

func TestStopAllEscalation(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	assert.Equal(t, 0, s.StopAll(context.Background()))

	ev := rec.Events()
	assert.Equal(t, "admin stopAll", ev[0])
	assert.Equal(t, "sleep 5s", ev[1])
	singleStops := []string{"stop manager@m1", "stop gc@m1", "stop monitor@m1", "stop tracer@t1"}
	singleKills := []string{"kill manager@m1", "kill gc@m1", "kill monitor@m1", "kill tracer@t1"}
	before(t, ev, singleStops, singleKills)
	before(t, ev, singleKills, []string{"stop tserver#1@w1", "stop tserver#1@w2"})
	before(t, ev, []string{"kill tserver#1@w1", "kill tserver#1@w2"}, []string{"purge tserver"})
	assert.Equal(t, "purge manager,tserver,tracer", ev[len(ev)-1])
}

func TestStopAllForcedGraceOnAdminFailure(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	s.Admin = &fakeAdmin{rec: rec, fail: errors.New("coordinator unreachable")}
	s.StopAll(context.Background())

	ev := rec.Events()
	assert.Equal(t, "sleep 15s", ev[1])
	assert.Equal(t, 1, rec.Count(topology.Coordinator, dispatch.Kill))
	assert.Equal(t, 2, rec.Count(topology.Worker, dispatch.Kill))
}

func TestStopAllWithoutAdmin(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	s.Admin = nil
	s.Purger = nil
	s.StopAll(context.Background())
	assert.Equal(t, "sleep 15s", rec.Events()[0])
	assert.Equal(t, 2, rec.Count(topology.Worker, dispatch.Stop))
}

func TestStopAllPurgeFailureIsNotFatal(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	s.Purger = &fakePurger{rec: rec, fail: errors.New("zookeeper down")}
	assert.Equal(t, 0, s.StopAll(context.Background()))
	assert.Contains(t, rec.Events(), "purge tserver")
	assert.Contains(t, rec.Events(), "purge manager,tserver,tracer")
}

func TestKillAll(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet())
	assert.Equal(t, 0, s.KillAll(context.Background()))

	ev := rec.Events()
	for _, e := range ev {
		assert.False(t, strings.HasPrefix(e, "sleep"), "unexpected grace: %s", e)
		assert.False(t, strings.HasPrefix(e, "stop "), "unexpected stop: %s", e)
	}
	before(t, ev,
		[]string{"kill manager@m1", "kill gc@m1", "kill monitor@m1", "kill tracer@t1"},
		[]string{"kill tserver#1@w1", "kill tserver#1@w2"})
	assert.Equal(t, "purge manager,tserver", ev[len(ev)-1])
}

func TestStartAll(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	topo := topology.New(map[topology.Role][]string{
		topology.Worker:           {"w1", "w2", "w3"},
		topology.Coordinator:      {"m1", "m2"},
		topology.GarbageCollector: {"m1"},
		topology.Tracer:           {"t1"},
	})
	s := newTestSequencer(rec, topo)
	s.Dispatcher.WorkersPerHost = 2
	assert.Equal(t, 0, s.StartAll(context.Background()))

	assert.Equal(t, 6, rec.Count(topology.Worker, dispatch.Start))
	assert.Equal(t, 2, rec.Count(topology.Coordinator, dispatch.Start))
	assert.Equal(t, 1, rec.Count(topology.GarbageCollector, dispatch.Start))
	assert.Equal(t, 1, rec.Count(topology.Monitor, dispatch.Start))
	assert.Equal(t, 1, rec.Count(topology.Tracer, dispatch.Start))
	assert.Contains(t, rec.Events(), "start monitor@m1")
}

func TestStartWorkersBatches(t *testing.T) {
	rec := &dispatchtest.Recorder{Delay: time.Millisecond}
	hosts := make([]string, 150)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("w%03d", i)
	}
	topo := topology.New(map[topology.Role][]string{
		topology.Worker:      hosts,
		topology.Coordinator: {"m1"},
	})
	s := newTestSequencer(rec, topo)
	assert.Equal(t, 0, s.StartWorkers(context.Background()))
	assert.Equal(t, 150, rec.Count(topology.Worker, dispatch.Start))
	assert.LessOrEqual(t, rec.MaxInFlight(), dispatch.BatchSize)
	assert.Zero(t, rec.Count(topology.Coordinator, dispatch.Start))
}

func TestStartHereFirstMatchOnly(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	topo := topology.New(map[topology.Role][]string{
		topology.Worker:      {"w1", "Node-A", "w2", "node-a."},
		topology.Coordinator: {"m1"},
		topology.Tracer:      {"node-a", "t2"},
	})
	s := newTestSequencer(rec, topo, "node-a")
	assert.Equal(t, 0, s.StartHere(context.Background()))

	calls := rec.Calls()
	require.Len(t, calls, 2)
	var got []string
	for _, c := range calls {
		assert.True(t, c.Local)
		got = append(got, c.String())
	}
	assert.ElementsMatch(t, []string{"start tserver#1@Node-A", "start tracer@node-a"}, got)
}

func TestStopHere(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	topo := topology.New(map[topology.Role][]string{
		topology.Worker:           {"w1", "node-a"},
		topology.Coordinator:      {"node-a", "m2"},
		topology.GarbageCollector: {"m2"},
	})
	s := newTestSequencer(rec, topo, "node-a")
	assert.Equal(t, 0, s.StopHere(context.Background()))

	ev := rec.Events()
	assert.Equal(t, "admin stop node-a", ev[0])
	before(t, ev,
		[]string{"stop tserver#1@node-a", "stop manager@node-a", "stop monitor@node-a"},
		[]string{"kill tserver#1@node-a", "kill manager@node-a", "kill monitor@node-a"})
	assert.Len(t, ev, 7)
	assert.Zero(t, rec.Count(topology.GarbageCollector, dispatch.Stop))
}

func TestStopHereNothingLocal(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	s := newTestSequencer(rec, smallFleet(), "elsewhere")
	assert.Equal(t, 0, s.StopHere(context.Background()))
	assert.Empty(t, rec.Events())
}
