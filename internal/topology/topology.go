package topology

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ConfigurationError reports a membership file that violates the topology rules.
// It is always returned before any dispatch happens.
type ConfigurationError struct {
	Role   Role
	File   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s (%s): %s", e.Role, e.File, e.Reason)
}

// Topology is the validated mapping from role to hosts.
type Topology struct {
	hosts   map[Role][]string
	monitor string
}

// Hosts returns a copy of the role's host list in file order.
func (t *Topology) Hosts(r Role) []string {
	if r == Monitor {
		if t.monitor == "" {
			return nil
		}
		return []string{t.monitor}
	}
	return append([]string(nil), t.hosts[r]...)
}

// Monitor returns the single effective monitor host.
func (t *Topology) Monitor() string { return t.monitor }

// All returns every distinct host named by any role, in first-seen order.
func (t *Topology) All() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range Roles {
		for _, h := range t.Hosts(r) {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out
}

// WriteBack is an inferred host list that must be persisted to its file.
type WriteBack struct {
	File  string
	Hosts []string
}

// Resolution is the outcome of Resolve: the topology plus side effects still to apply.
type Resolution struct {
	Topology   *Topology
	WriteBacks []WriteBack
	Warnings   []string
}

// Resolve validates the membership files in src without modifying them.
// Resolution stops at the first failure.
func Resolve(src Source) (*Resolution, error) {
	res := &Resolution{Topology: &Topology{hosts: map[Role][]string{}}}
	topo := res.Topology

	// Workers
	if _, exists, err := src.Read(Worker.LegacyFile()); err != nil {
		return nil, readErr(Worker, Worker.LegacyFile(), err)
	} else if exists {
		return nil, &ConfigurationError{Role: Worker, File: Worker.LegacyFile(),
			Reason: fmt.Sprintf("deprecated file found; rename it to %s", Worker.File())}
	}
	workers, exists, err := src.Read(Worker.File())
	if err != nil {
		return nil, readErr(Worker, Worker.File(), err)
	}
	if !exists {
		return nil, &ConfigurationError{Role: Worker, File: Worker.File(), Reason: "file is missing"}
	}
	if len(workers) == 0 {
		return nil, &ConfigurationError{Role: Worker, File: Worker.File(), Reason: "no hosts listed"}
	}
	topo.hosts[Worker] = workers

	// Coordinators
	coordinators, exists, err := src.Read(Coordinator.File())
	if err != nil {
		return nil, readErr(Coordinator, Coordinator.File(), err)
	}
	if !exists {
		coordinators, exists, err = src.Read(Coordinator.LegacyFile())
		if err != nil {
			return nil, readErr(Coordinator, Coordinator.LegacyFile(), err)
		}
		if exists {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is deprecated; rename it to %s",
				Coordinator.LegacyFile(), Coordinator.File()))
		}
	}
	topo.hosts[Coordinator] = coordinators
	first := ""
	if len(coordinators) > 0 {
		first = coordinators[0]
	}

	// Monitor
	monitors, exists, err := src.Read(Monitor.File())
	if err != nil {
		return nil, readErr(Monitor, Monitor.File(), err)
	}
	switch {
	case exists:
		// An existing file wins even when it lists nobody.
		if len(monitors) > 0 {
			topo.monitor = monitors[0]
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is empty; no monitor will be started or stopped", Monitor.File()))
		}
	case first != "":
		topo.monitor = first
	default:
		return nil, &ConfigurationError{Role: Monitor, File: Monitor.File(),
			Reason: "could not infer a monitor host: no monitor file entry and no coordinator hosts"}
	}

	// Tracers and garbage collectors default to the first coordinator, sticky.
	for _, r := range []Role{Tracer, GarbageCollector} {
		hosts, exists, err := src.Read(r.File())
		if err != nil {
			return nil, readErr(r, r.File(), err)
		}
		if !exists {
			if first == "" {
				return nil, &ConfigurationError{Role: r, File: r.File(),
					Reason: "file is missing and no coordinator host to infer it from"}
			}
			hosts = []string{first}
			res.WriteBacks = append(res.WriteBacks, WriteBack{File: r.File(), Hosts: hosts})
		}
		topo.hosts[r] = hosts
	}
	return res, nil
}

// Persist writes inferred host lists back to dst.
func (r *Resolution) Persist(dst Source) error {
	for _, wb := range r.WriteBacks {
		if err := dst.Write(wb.File, wb.Hosts); err != nil {
			return &ConfigurationError{File: wb.File, Reason: err.Error()}
		}
		log.Info().Str("file", wb.File).Strs("hosts", wb.Hosts).Msg("inferred hosts persisted")
	}
	return nil
}

// Load resolves src, logs deprecation warnings and persists inferred defaults.
func Load(src Source) (*Topology, error) {
	res, err := Resolve(src)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Warn().Msg(w)
	}
	if err := res.Persist(src); err != nil {
		return nil, err
	}
	return res.Topology, nil
}

// New builds a Topology directly; the monitor defaults to the first coordinator.
func New(hosts map[Role][]string) *Topology {
	t := &Topology{hosts: map[Role][]string{}}
	for r, hs := range hosts {
		if r == Monitor {
			if len(hs) > 0 {
				t.monitor = hs[0]
			}
			continue
		}
		t.hosts[r] = append([]string(nil), hs...)
	}
	if t.monitor == "" && len(t.hosts[Coordinator]) > 0 {
		t.monitor = t.hosts[Coordinator][0]
	}
	return t
}

func readErr(r Role, file string, err error) error {
	return &ConfigurationError{Role: r, File: file, Reason: err.Error()}
}
