package ssh

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile creates an empty known_hosts file, and its directory,
// if none exists yet. An existing file is left untouched.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	switch {
	case err == nil:
		return f.Close()
	case os.IsExist(err):
		return nil
	default:
		return fmt.Errorf("create known_hosts: %w", err)
	}
}

// HostKeyPolicy selects how fleet host keys are checked.
type HostKeyPolicy struct {
	// KnownHosts is the file host keys are checked against.
	KnownHosts string
	// Insecure accepts any host key. Fleet hosts are then not authenticated.
	Insecure bool
}

// Callback returns the host key callback for the policy. In strict mode a host
// missing from KnownHosts is rejected; fleetctl never adds keys itself.
func (p HostKeyPolicy) Callback() (xssh.HostKeyCallback, error) {
	if p.Insecure {
		log.Warn().Msg("host key checking disabled")
		return xssh.InsecureIgnoreHostKey(), nil
	}
	if p.KnownHosts == "" {
		return nil, fmt.Errorf("known_hosts path required for strict host key checking")
	}
	if err := EnsureKnownHostsFile(p.KnownHosts); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(p.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", p.KnownHosts, err)
	}
	return cb, nil
}
