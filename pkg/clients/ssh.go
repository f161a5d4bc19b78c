package clients

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/lmdm/labmonitor/pkg/types"
)

// CommandRunner is the transport the collector and scheduler use to reach a
// machine. Implementations must be safe for concurrent use.
type CommandRunner interface {
	Run(ctx context.Context, command string) (stdout string, stderr string, err error)
	Close() error
}

// RunnerFactory builds a CommandRunner for a machine. Swapped for a fake in
// tests.
type RunnerFactory func(machine *types.Machine) (CommandRunner, error)

type SSHClient struct {
	address string
	config  *ssh.ClientConfig
	timeout time.Duration
}

func NewSSHClient(machine *types.Machine, config types.SSHConfig) (*SSHClient, error) {
	authMethods := []ssh.AuthMethod{}

	if config.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key <%s>: %w", config.PrivateKeyPath, err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no ssh auth method configured for machine <%s>", machine.Name)
	}

	return &SSHClient{
		address: net.JoinHostPort(machine.Address, strconv.Itoa(config.Port)),
		config: &ssh.ClientConfig{
			User: machine.Username,
			Auth: authMethods,
			// Lab machines are reimaged often enough that pinning host
			// keys causes more outages than it prevents
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         config.DialTimeout,
		},
		timeout: config.CommandTimeout,
	}, nil
}

// NewSSHRunnerFactory returns a RunnerFactory that dials a fresh connection
// per probe. Connections are short-lived on purpose: a cached session to a
// rebooted machine fails in confusing ways.
func NewSSHRunnerFactory(config types.SSHConfig) RunnerFactory {
	return func(machine *types.Machine) (CommandRunner, error) {
		return NewSSHClient(machine, config)
	}
}

// Run executes a single command on the remote host. Each call uses its own
// session so callers can issue commands concurrently.
func (c *SSHClient) Run(ctx context.Context, command string) (string, string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	}

	return stdout.String(), stderr.String(), err
}

func (c *SSHClient) Close() error {
	return nil
}

// dial respects the context deadline; x/crypto/ssh's own Timeout only covers
// the TCP connect, not the handshake.
func (c *SSHClient) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: c.config.Timeout}

	netConn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial <%s>: %w", c.address, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.address, c.config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with <%s> failed: %w", c.address, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ExitCodeFromError extracts the remote exit status from a session error.
// Returns -1 when the command never ran or the connection dropped.
func ExitCodeFromError(err error) int {
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus()
	}

	return -1
}
