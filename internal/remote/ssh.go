package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultSSHUser    = "root"
	DefaultSSHPort    = 22
	defaultSSHTimeout = 15 * time.Second
)

// SSHConfig describes how to reach the instance.
// PrivateKey takes precedence over PrivateKeyPath when both are set.
type SSHConfig struct {
	User           string
	Port           int
	PrivateKeyPath string
	PrivateKey     []byte
	Passphrase     string
	KnownHostsPath string
	Timeout        time.Duration
}

// SSHDialer dials key-authenticated SSH sessions.
type SSHDialer struct {
	port   int
	config *ssh.ClientConfig
}

// NewSSHDialer parses the key material and builds a dialer.
// Without KnownHostsPath host keys are not verified: every new droplet boots
// with a freshly generated host key.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.PrivateKeyPath == "" {
			return nil, errors.New("ssh private key is required")
		}
		b, err := os.ReadFile(filepath.Clean(cfg.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		key = b
	}

	var (
		signer ssh.Signer
		err    error
	)
	if cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- ephemeral hosts
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}

	user := cfg.User
	if user == "" {
		user = DefaultSSHUser
	}
	port := cfg.Port
	if port <= 0 {
		port = DefaultSSHPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}

	return &SSHDialer{
		port: port,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

// Dial opens an SSH connection to host.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.port))
	nd := net.Dialer{Timeout: d.config.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Run executes command on a fresh channel of the connection.
func (s *sshSession) Run(ctx context.Context, command string) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return Result{}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return Result{}, err
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
