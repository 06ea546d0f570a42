package topology

import "fmt"

// Role is a category of server process in the fleet.
type Role string

const (
	Coordinator      Role = "manager"
	Worker           Role = "tserver"
	GarbageCollector Role = "gc"
	Monitor          Role = "monitor"
	Tracer           Role = "tracer"
)

// Roles lists every role in resolution order.
var Roles = []Role{Worker, Coordinator, Monitor, Tracer, GarbageCollector}

// File returns the membership file name for the role.
func (r Role) File() string {
	switch r {
	case Coordinator:
		return "managers"
	case Worker:
		return "tservers"
	case GarbageCollector:
		return "gc"
	case Monitor:
		return "monitor"
	case Tracer:
		return "tracers"
	}
	return ""
}

// LegacyFile returns the deprecated membership file name, if the role had one.
func (r Role) LegacyFile() string {
	switch r {
	case Coordinator:
		return "masters"
	case Worker:
		return "slaves"
	}
	return ""
}

// MultiInstance reports whether a host may run several numbered instances of the role.
func (r Role) MultiInstance() bool { return r == Worker }

func (r Role) String() string { return string(r) }

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role: %q", s)
}
