package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/craftd/internal/metrics"
)

var (
	// ErrNoHost is returned when a command is issued before the instance has an address.
	ErrNoHost = errors.New("remote host is not set")
	// ErrCommandFailed wraps a nonzero exit for callers that treat it as failure.
	ErrCommandFailed = errors.New("remote command failed")
)

// Result is the outcome of one remote command. A nonzero ExitCode is not an error.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// OK reports whether the command exited with status 0.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Check converts a nonzero exit into an ErrCommandFailed error.
func (r Result) Check(command string) error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %q exited with %d: %s", ErrCommandFailed, command, r.ExitCode, r.Stderr)
}

// Session is an authenticated connection to a remote host.
type Session interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer opens sessions to a host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

type execOptions struct {
	session   Session
	logOutput bool
}

// ExecOption customizes a single Exec call.
type ExecOption func(*execOptions)

// WithSession runs the command on an existing session. The caller keeps ownership
// and the executor never closes it.
func WithSession(s Session) ExecOption {
	return func(o *execOptions) { o.session = s }
}

// WithOutputLogging logs stdout and stderr of the command.
func WithOutputLogging() ExecOption {
	return func(o *execOptions) { o.logOutput = true }
}

// Executor runs shell commands on the instance.
type Executor struct {
	dialer Dialer
	logger *slog.Logger
}

// NewExecutor creates an executor over the given dialer.
func NewExecutor(d Dialer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{dialer: d, logger: logger}
}

// Open dials a session the caller owns and must close.
func (e *Executor) Open(ctx context.Context, host string) (Session, error) {
	if host == "" {
		return nil, ErrNoHost
	}
	s, err := e.dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", host, err)
	}
	return s, nil
}

// Exec runs command on host. Without WithSession a one-shot connection is opened
// and closed before returning. Transport failures are returned as errors and are
// never retried here.
func (e *Executor) Exec(ctx context.Context, host, command string, opts ...ExecOption) (Result, error) {
	var o execOptions
	for _, fn := range opts {
		fn(&o)
	}

	sess := o.session
	if sess == nil {
		s, err := e.Open(ctx, host)
		if err != nil {
			metrics.IncRemoteCommand(metrics.RemoteResultError)
			return Result{}, err
		}
		sess = s
		defer func() {
			if cerr := s.Close(); cerr != nil {
				e.logger.Debug("close remote session", "host", host, "error", cerr)
			}
		}()
	}

	res, err := sess.Run(ctx, command)
	if err != nil {
		metrics.IncRemoteCommand(metrics.RemoteResultError)
		e.logger.Error("remote command failed", "host", host, "command", command, "error", err)
		return Result{}, fmt.Errorf("run %q: %w", command, err)
	}
	if res.OK() {
		metrics.IncRemoteCommand(metrics.RemoteResultOK)
	} else {
		metrics.IncRemoteCommand(metrics.RemoteResultNonZero)
	}

	if o.logOutput {
		e.logger.Info("remote command finished",
			"host", host, "command", command, "exit_code", res.ExitCode,
			"stdout", res.Stdout, "stderr", res.Stderr)
	}
	return res, nil
}
