package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://127.0.0.1:8080/api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(newCommand(os.Stdout, NewSessionManager()))
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// API connection
	APIUrl     string
	APITimeout time.Duration
	Username   string
	Password   string
	CACert     string
	Insecure   bool
}

// WorkflowFlags holds flags for start and stop.
type WorkflowFlags struct {
	Wait time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.flags)
	wf := &WorkflowFlags{}

	root.AddCommand(
		createServeCommand(c.flags),
		createStatusCommand(c),
		createStartCommand(c, wf),
		createStopCommand(c, wf),
		createForceStatusCommand(c),
		createSetInstanceCommand(c),
		createInitCommand(c),
		createConsoleCommand(c),
		createExecCommand(c),
		createBalanceCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
		createHashPasswordCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "craftd",
		Short: "Lifecycle controller for an on-demand game server",
		Long: `Craftd creates, initializes, and tears down a DigitalOcean droplet that runs
a game server, and relays console commands to it over SSH.

Examples:
  craftd serve --config=craftd.toml    # Start daemon
  craftd start --wait=15m              # Boot the server and wait for it
  craftd console say hello             # Send a console command
  craftd status --api-url=https://remote:8443/api`,
		SilenceUsage: true,
	}

	apiURL := os.Getenv("CRAFTD_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", apiURL, "daemon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	pf.StringVar(&flags.Username, "user", "", "username for basic auth (overrides saved session)")
	pf.StringVar(&flags.Password, "password", "", "password for basic auth")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the craftd daemon",
		Long: `Start the craftd daemon. Configuration is loaded from a TOML file and
CRAFTD_* environment variables.

Examples:
  craftd serve --config=craftd.toml
  craftd serve craftd.toml
  craftd serve craftd.toml --daemonize --pidfile=/run/craftd.pid --logfile=/var/log/craftd.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(cmd.Context(), serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createStartCommand(c *command, wf *WorkflowFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create and initialize the game server",
		Long: `Request a droplet, wait for it to become reachable, and run the
initialization script. Without --wait the command returns once the
provider accepted the request.

Examples:
  craftd start
  craftd start --wait=15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), wf.Wait)
		},
	}
	cmd.Flags().DurationVar(&wf.Wait, "wait", 0, "wait up to this long for the workflow to finish")
	return cmd
}

func createStopCommand(c *command, wf *WorkflowFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Save the world and destroy the droplet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), wf.Wait)
		},
	}
	cmd.Flags().DurationVar(&wf.Wait, "wait", 0, "wait up to this long for the workflow to finish")
	return cmd
}

func createForceStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "force-status <down|starting|up|stopping|weird>",
		Short: "Override the recorded state",
		Long: `Override the recorded state without touching the droplet. Any running
workflow is cancelled. "up" looks up the droplet address.

Examples:
  craftd force-status down
  craftd set-instance 123456 && craftd force-status up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ForceStatus(cmd.Context(), args[0])
		},
	}
}

func createSetInstanceCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "set-instance <id>",
		Short: "Record the droplet id of an existing instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetInstanceID(cmd.Context(), args[0])
		},
	}
}

func createInitCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Re-run the initialization script on the current instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(cmd.Context())
		},
	}
}

func createConsoleCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "console <command...>",
		Short: "Send a game console command",
		Long: `Send a command to the game server console and print its reply.

Examples:
  craftd console list
  craftd console say "back in 5 minutes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Console(cmd.Context(), args)
		},
	}
}

func createExecCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a shell command on the instance",
		Long: `Run a shell command on the instance over SSH. The command exits nonzero
when the remote command does.

Examples:
  craftd exec uptime
  craftd exec -- df -h /mnt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Exec(cmd.Context(), args)
		},
	}
}

func createBalanceCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the provider account balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Balance(cmd.Context())
		},
	}
}

// createLoginCommand creates the login command
func createLoginCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to craftd server",
		Long: `Login to craftd server and save session for future commands.

Examples:
  craftd login --user=admin --password=secret
  craftd login --api-url=https://remote:8443/api --user=admin --password=secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Login(cmd.Context())
		},
	}
}

func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logout()
		},
	}
}

func createHashPasswordCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for an [[auth.users]] entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(args[0])
		},
	}
}
