package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/auth"
	"github.com/loykin/craftd/pkg/client"
)

// errRemoteFailed makes the CLI exit nonzero after printing a failed result.
var errRemoteFailed = errors.New("remote command exited nonzero")

type command struct {
	flags    *GlobalFlags
	sessions *SessionManager
	out      io.Writer
}

func newCommand(out io.Writer, sessions *SessionManager) *command {
	return &command{flags: &GlobalFlags{}, sessions: sessions, out: out}
}

// apiClient builds a client from the flags. Explicit credentials win over a
// saved session for the same URL.
func (c *command) apiClient() (*client.Client, error) {
	cfg := client.Config{
		BaseURL: strings.TrimRight(c.flags.APIUrl, "/"),
		Timeout: c.flags.APITimeout,
	}
	if c.flags.CACert != "" || c.flags.Insecure {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert, SkipVerify: c.flags.Insecure}
	}
	switch {
	case c.flags.Username != "":
		cfg.Username, cfg.Password = c.flags.Username, c.flags.Password
	case c.sessions != nil:
		if s := c.sessions.SessionFor(cfg.BaseURL); s != nil {
			cfg.Token = s.Token
		}
	}
	return client.New(cfg)
}

// connect returns a client for a daemon that answered its health check.
func (c *command) connect(ctx context.Context) (*client.Client, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'craftd serve'", c.flags.APIUrl)
	}
	return api, nil
}

func (c *command) Status(ctx context.Context) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c *command) Start(ctx context.Context, wait time.Duration) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := api.Start(ctx, wait)
	if err != nil {
		return err
	}
	return c.printWorkflow(res)
}

func (c *command) Stop(ctx context.Context, wait time.Duration) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := api.Stop(ctx, wait)
	if err != nil {
		return err
	}
	return c.printWorkflow(res)
}

func (c *command) printWorkflow(res client.WorkflowResult) error {
	if err := printJSON(c.out, res); err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

func (c *command) ForceStatus(ctx context.Context, state string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	warning, err := api.ForceStatus(ctx, state)
	if err != nil {
		return err
	}
	if warning != "" {
		_, _ = fmt.Fprintln(c.out, "warning:", warning)
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c *command) SetInstanceID(ctx context.Context, id string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	st, err := api.SetInstanceID(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c *command) Init(ctx context.Context) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	st, err := api.RunInitialization(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

func (c *command) Console(ctx context.Context, args []string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	out, err := api.Console(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, out)
	return err
}

func (c *command) Exec(ctx context.Context, args []string) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	res, err := api.Exec(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if err := printJSON(c.out, res); err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d", errRemoteFailed, res.ExitCode)
	}
	return nil
}

func (c *command) Balance(ctx context.Context) error {
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	b, err := api.Balance(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, b)
}

// Login exchanges the --user and --password flags for a token and saves it.
func (c *command) Login(ctx context.Context) error {
	if c.flags.Username == "" || c.flags.Password == "" {
		return errors.New("--user and --password are required")
	}
	api, err := c.connect(ctx)
	if err != nil {
		return err
	}
	tok, err := api.Login(ctx, c.flags.Username, c.flags.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	s := &Session{
		Token:     tok.Value,
		TokenType: tok.Type,
		ExpiresAt: tok.ExpiresAt,
		Username:  c.flags.Username,
		ServerURL: strings.TrimRight(c.flags.APIUrl, "/"),
	}
	if err := c.sessions.SaveSession(s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, err = fmt.Fprintf(c.out, "Logged in as %s (session saved to %s)\n", s.Username, c.sessions.GetSessionPath())
	return err
}

func (c *command) Logout() error {
	if err := c.sessions.ClearSession(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "Logged out")
	return err
}

func (c *command) HashPassword(password string) error {
	h, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, h)
	return err
}
