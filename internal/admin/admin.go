// Package admin runs the administrative and coordination-service commands that
// fleetctl needs but does not implement: the whole-cluster stop request, the
// single worker stop, the goal state change and the stale registration purge.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Admin is the administrative RPC surface of the coordinator.
type Admin interface {
	StopAll(ctx context.Context) error
	StopWorker(ctx context.Context, host string) error
	SetGoalState(ctx context.Context, state string) error
}

// Purger removes stale registrations for the given roles from the coordination service.
// Purging must be idempotent.
type Purger interface {
	Purge(ctx context.Context, roles ...topology.Role) error
}

// AdministrativeShutdownFailure reports a failed administrative request.
type AdministrativeShutdownFailure struct {
	Op  string
	Err error
}

func (e *AdministrativeShutdownFailure) Error() string {
	return fmt.Sprintf("admin %s: %v", e.Op, e.Err)
}

func (e *AdministrativeShutdownFailure) Unwrap() error { return e.Err }

// CleanupFailure reports a failed coordination-service purge.
type CleanupFailure struct {
	Roles []topology.Role
	Err   error
}

func (e *CleanupFailure) Error() string {
	names := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		names[i] = string(r)
	}
	return fmt.Sprintf("purge %s: %v", strings.Join(names, ","), e.Err)
}

func (e *CleanupFailure) Unwrap() error { return e.Err }

// ErrNotConfigured is returned when an operation has no command template.
var ErrNotConfigured = errors.New("command not configured")

// Command implements Admin and Purger by running argv templates on this machine.
// Templates may reference {host} and {state}.
type Command struct {
	StopAllArgv      []string
	StopWorkerArgv   []string
	SetGoalStateArgv []string
	PurgeArgv        []string
	// PurgeFlags maps a role to the flag appended to PurgeArgv.
	PurgeFlags map[topology.Role]string
	Timeout    time.Duration

	// run is swapped in tests.
	run func(ctx context.Context, argv []string) ([]byte, error)
}

// DefaultPurgeFlags mirrors the coordination cleanup tool's role switches.
var DefaultPurgeFlags = map[topology.Role]string{
	topology.Coordinator: "-managers",
	topology.Worker:      "-tservers",
	topology.Tracer:      "-tracers",
}

func (c *Command) StopAll(ctx context.Context) error {
	if err := c.exec(ctx, c.StopAllArgv, nil); err != nil {
		return &AdministrativeShutdownFailure{Op: "stopAll", Err: err}
	}
	return nil
}

func (c *Command) StopWorker(ctx context.Context, host string) error {
	if err := c.exec(ctx, c.StopWorkerArgv, map[string]string{"{host}": host}); err != nil {
		return &AdministrativeShutdownFailure{Op: "stop " + host, Err: err}
	}
	return nil
}

func (c *Command) SetGoalState(ctx context.Context, state string) error {
	if err := c.exec(ctx, c.SetGoalStateArgv, map[string]string{"{state}": state}); err != nil {
		return &AdministrativeShutdownFailure{Op: "goal " + state, Err: err}
	}
	return nil
}

func (c *Command) Purge(ctx context.Context, roles ...topology.Role) error {
	if len(c.PurgeArgv) == 0 {
		return &CleanupFailure{Roles: roles, Err: ErrNotConfigured}
	}
	flags := c.PurgeFlags
	if flags == nil {
		flags = DefaultPurgeFlags
	}
	argv := append([]string(nil), c.PurgeArgv...)
	for _, r := range roles {
		f, ok := flags[r]
		if !ok {
			return &CleanupFailure{Roles: roles, Err: fmt.Errorf("no purge flag for role %s", r)}
		}
		argv = append(argv, f)
	}
	if err := c.exec(ctx, argv, nil); err != nil {
		return &CleanupFailure{Roles: roles, Err: err}
	}
	return nil
}

// Expand substitutes placeholders in every argument of tmpl.
func Expand(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func (c *Command) exec(ctx context.Context, tmpl []string, vars map[string]string) error {
	if len(tmpl) == 0 {
		return ErrNotConfigured
	}
	argv := Expand(tmpl, vars)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	run := c.run
	if run == nil {
		run = runLocal
	}
	start := time.Now()
	out, err := run(ctx, argv)
	log.Debug().Strs("argv", argv).Dur("elapsed", time.Since(start)).Err(err).Msg("admin command")
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

func runLocal(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}
