// Package dispatchtest provides a recording runner for tests that drive a Dispatcher.
package dispatchtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/fleetctl/internal/dispatch"
	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Call is one recorded control command.
type Call struct {
	Instance dispatch.Instance
	Command  dispatch.Command
	Local    bool
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s", c.Command, c.Instance)
}

// Recorder implements both runner interfaces and records every call in order.
// Event markers added with Mark interleave with calls in the same log.
type Recorder struct {
	// Fail, if set, decides whether a call fails.
	Fail func(Call) error
	// Delay is slept inside every call.
	Delay time.Duration

	mu       sync.Mutex
	events   []string
	calls    []Call
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (r *Recorder) RunLocal(ctx context.Context, inst dispatch.Instance, cmd dispatch.Command) error {
	return r.record(Call{Instance: inst, Command: cmd, Local: true})
}

func (r *Recorder) RunRemote(ctx context.Context, inst dispatch.Instance, cmd dispatch.Command) error {
	return r.record(Call{Instance: inst, Command: cmd})
}

func (r *Recorder) record(c Call) error {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.events = append(r.events, c.String())
	r.mu.Unlock()
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if r.Fail != nil {
		return r.Fail(c)
	}
	return nil
}

// Mark appends a non-call event to the log.
func (r *Recorder) Mark(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Events returns calls and marks in the order they were recorded.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Count returns the number of calls matching role and command.
func (r *Recorder) Count(role topology.Role, cmd dispatch.Command) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Instance.Role == role && c.Command == cmd {
			n++
		}
	}
	return n
}

// MaxInFlight is the highest number of concurrent calls observed.
func (r *Recorder) MaxInFlight() int { return int(r.maxSeen.Load()) }
