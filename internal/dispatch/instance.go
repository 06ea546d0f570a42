package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3cpo-dev/fleetctl/internal/topology"
)

// Command is a control verb understood by the service control script.
type Command string

const (
	Start Command = "start"
	Stop  Command = "stop"
	Kill  Command = "kill"
)

// ParseCommand maps a verb to a Command.
func ParseCommand(s string) (Command, error) {
	switch Command(s) {
	case Start, Stop, Kill:
		return Command(s), nil
	}
	return "", fmt.Errorf("unknown command: %q", s)
}

// Instance identifies one service process. Index is 1..N for multi-instance
// roles and 0 for singleton roles.
type Instance struct {
	Role  topology.Role
	Host  string
	Index int
}

func (i Instance) String() string {
	if i.Index == 0 {
		return fmt.Sprintf("%s@%s", i.Role, i.Host)
	}
	return fmt.Sprintf("%s#%d@%s", i.Role, i.Index, i.Host)
}

// Script describes the per-host service control script.
type Script struct {
	Path        string
	InstanceEnv string
}

// DefaultInstanceEnv carries the instance index to the control script.
const DefaultInstanceEnv = "FLEET_SERVICE_INSTANCE"

func (s Script) envName() string {
	if s.InstanceEnv == "" {
		return DefaultInstanceEnv
	}
	return s.InstanceEnv
}

// Argv returns the local invocation of the script.
func (s Script) Argv(inst Instance, cmd Command) []string {
	return []string{s.Path, string(inst.Role), string(cmd)}
}

// Env returns the instance index variable; the value is empty for singleton roles.
func (s Script) Env(inst Instance) string {
	v := ""
	if inst.Index > 0 {
		v = strconv.Itoa(inst.Index)
	}
	return s.envName() + "=" + v
}

// Shell returns the remote shell line that runs the script with the instance env.
func (s Script) Shell(inst Instance, cmd Command) string {
	argv := s.Argv(inst, cmd)
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quote(a)
	}
	inner := s.Env(inst) + " " + strings.Join(quoted, " ")
	return "bash -c " + quote(inner)
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '-' || r == '_' || r == '.' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
