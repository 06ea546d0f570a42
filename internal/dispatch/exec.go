package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExecRunner runs the control script as a child process of fleetctl.
type ExecRunner struct {
	Script Script
}

func (r ExecRunner) RunLocal(ctx context.Context, inst Instance, cmd Command) error {
	argv := r.Script.Argv(inst, cmd)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Env = append(os.Environ(), r.Script.Env(inst))
	out, err := c.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("run %s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}
