package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/3cpo-dev/fleetctl/internal/dispatch"
)

// Remote runs the service control script on fleet hosts over SSH.
type Remote struct {
	User       string
	Port       int
	Signer     xssh.Signer
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Script     dispatch.Script

	// CommandTimeout bounds each control command after connecting.
	CommandTimeout time.Duration
}

// Client returns the SSH client settings for host.
func (r *Remote) Client(host string) *Client {
	port := r.Port
	if port == 0 {
		port = 22
	}
	return &Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		User:       r.User,
		Signer:     r.Signer,
		Auth:       r.Auth,
		KnownHosts: r.KnownHosts,
		Timeout:    r.Timeout,

		CommandTimeout: r.CommandTimeout,
	}
}

// RunRemote implements dispatch.RemoteRunner. It makes a single attempt.
func (r *Remote) RunRemote(ctx context.Context, inst dispatch.Instance, cmd dispatch.Command) error {
	line := r.Script.Shell(inst, cmd)
	log.Trace().Str("host", inst.Host).Str("command", line).Msg("ssh exec")
	if _, err := r.Client(inst.Host).RunCommand(ctx, line); err != nil {
		return fmt.Errorf("ssh %s: %w", inst.Host, err)
	}
	return nil
}

// AgentAuth returns an auth method backed by the ssh-agent at SSH_AUTH_SOCK.
// The returned closer releases the agent connection.
func AgentAuth() (xssh.AuthMethod, func() error, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connect ssh-agent: %w", err)
	}
	return xssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn.Close, nil
}
