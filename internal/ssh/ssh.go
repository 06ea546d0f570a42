package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer

	// CommandTimeout bounds a command once the connection is up; zero means
	// only ctx bounds it.
	CommandTimeout time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	auth := c.Auth
	if c.Signer != nil {
		auth = append([]xssh.AuthMethod{xssh.PublicKeys(c.Signer)}, auth...)
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: signer or auth method required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// RunCommand executes a remote command and returns its combined output.
// Connection failures are retried Retries times with linear backoff; a command
// that ran and failed is not retried. When ctx is done or CommandTimeout
// expires the connection is closed and the command is abandoned.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	var lastErr error
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := Dial(ctx, c)
		if err != nil {
			lastErr = err
		} else {
			out, err := c.run(ctx, cli, command)
			_ = cli.Close()
			return out, err
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return "", lastErr
}

func (c *Client) run(ctx context.Context, cli *xssh.Client, command string) (string, error) {
	if c.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CommandTimeout)
		defer cancel()
	}
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(xssh.SIGKILL)
			_ = cli.Close()
		case <-finished:
		}
	}()

	out, err := session.CombinedOutput(command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(out), fmt.Errorf("run command: abandoned: %w", ctxErr)
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return string(out), fmt.Errorf("run command: %w: %s", err, msg)
		}
		return string(out), fmt.Errorf("run command: %w", err)
	}
	return string(out), nil
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	d := c.Dialer
	if d == nil {
		d = NetDialer{Timeout: c.Timeout}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", c.Addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sc, chans, reqs), nil
}
