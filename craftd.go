// Package craftd assembles the game-server lifecycle daemon: the DigitalOcean
// provider, SSH executor, console bridge, readiness poller, lifecycle
// controller, history sinks, scheduled jobs and the admin API.
package craftd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/craftd/internal/auth"
	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/console"
	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/history/factory"
	"github.com/loykin/craftd/internal/lifecycle"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/provider/digitalocean"
	"github.com/loykin/craftd/internal/readiness"
	"github.com/loykin/craftd/internal/remote"
	"github.com/loykin/craftd/internal/schedule"
	"github.com/loykin/craftd/internal/server"
	itls "github.com/loykin/craftd/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Re-export core types for embedders.

type Config = config.Config

type State = lifecycle.State

type Snapshot = lifecycle.Snapshot

const (
	StateDown     = lifecycle.StateDown
	StateStarting = lifecycle.StateStarting
	StateUp       = lifecycle.StateUp
	StateStopping = lifecycle.StateStopping
	StateWeird    = lifecycle.StateWeird
)

const shutdownTimeout = 10 * time.Second

// LoadConfig reads and validates a TOML config file. An empty path yields
// defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options overrides collaborators that are otherwise built from the config.
type Options struct {
	Provider provider.Provider
	Balance  provider.BalanceReader
	Dialer   remote.Dialer
	Logger   *slog.Logger
	// OnReady runs after every successful start issued through the API.
	OnReady func()
}

// Daemon owns one instance controller and the surfaces around it.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	controller *lifecycle.Controller
	history    *history.Dispatcher
	scheduler  *schedule.Scheduler
	router     *server.Router

	listening chan net.Addr
}

// New wires a daemon from cfg. Nothing touches the network until Run.
func New(cfg *Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("craftd: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prov, balance := opts.Provider, opts.Balance
	if prov == nil {
		do := digitalocean.New(digitalocean.Options{
			BaseURL:        cfg.Provider.BaseURL,
			Token:          cfg.Provider.Token,
			Timeout:        cfg.Provider.Timeout,
			RateLimit:      rate.Limit(cfg.Provider.RateLimit),
			RateLimitBurst: cfg.Provider.RateBurst,
			Logger:         logger.With("component", "digitalocean"),
		})
		prov = do
		if balance == nil {
			balance = do
		}
	}

	dialer := opts.Dialer
	if dialer == nil {
		d, err := remote.NewSSHDialer(remote.SSHConfig{
			User:           cfg.SSH.User,
			Port:           cfg.SSH.Port,
			PrivateKeyPath: cfg.SSH.PrivateKeyPath,
			Passphrase:     cfg.SSH.Passphrase,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			Timeout:        cfg.SSH.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("ssh: %w", err)
		}
		dialer = d
	}
	exec := remote.NewExecutor(dialer, logger.With("component", "remote"))

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	dispatcher := history.NewDispatcher(logger.With("component", "history"), sinks...)

	ctl, err := lifecycle.New(lifecycle.Options{
		Provider:   prov,
		Readiness:  readiness.New(prov, cfg.Readiness, logger.With("component", "readiness")),
		Executor:   exec,
		Console:    console.New(exec, cfg.Console.RelayPath, cfg.Console.Password),
		Instance:   createRequest(cfg.Provider.Droplet),
		InitScript: cfg.Init.Script(),
		Teardown:   cfg.Teardown,
		History:    dispatcher,
		Logger:     logger.With("component", "lifecycle"),
	})
	if err != nil {
		_ = dispatcher.Close()
		return nil, err
	}

	sched := schedule.NewScheduler(ctl, logger)
	for _, sc := range cfg.Schedules {
		job := &schedule.Job{Name: sc.Name, Schedule: sc.Schedule, Action: sc.Action, Command: sc.Command}
		if err := sched.Add(job); err != nil {
			_ = ctl.Close()
			_ = dispatcher.Close()
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc, err = auth.NewService(cfg.Auth)
		if err != nil {
			_ = ctl.Close()
			_ = dispatcher.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	onReady := opts.OnReady
	if onReady == nil {
		onReady = func() { logger.Info("game server is ready", "address", ctl.Status().Address) }
	}

	router := server.NewRouter(server.Options{
		Controller:  ctl,
		Balance:     balance,
		Auth:        authSvc,
		AuthEnabled: cfg.Auth.Enabled,
		BasePath:    cfg.Server.BasePath,
		Logger:      logger,
		OnReady:     onReady,
	})

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		controller: ctl,
		history:    dispatcher,
		scheduler:  sched,
		router:     router,
		listening:  make(chan net.Addr, 1),
	}, nil
}

func createRequest(d config.DropletConfig) provider.CreateRequest {
	return provider.CreateRequest{
		Name:       d.Name,
		Region:     d.Region,
		Size:       d.Size,
		Image:      d.Image,
		SSHKeys:    d.SSHKeys,
		Volumes:    d.Volumes,
		Tags:       d.Tags,
		Monitoring: d.Monitoring,
		Backups:    d.Backups,
	}
}

// Controller exposes the lifecycle controller for in-process use.
func (d *Daemon) Controller() *lifecycle.Controller { return d.controller }

// Handler returns the admin API handler.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Listening delivers the API address once Run has bound it.
func (d *Daemon) Listening() <-chan net.Addr { return d.listening }

// ApplyInitial forces the configured startup record, for a daemon restarted
// while a droplet is still running. A failed address lookup is logged.
func (d *Daemon) ApplyInitial(ctx context.Context) error {
	in := d.cfg.Initial
	if in.InstanceID != "" {
		d.controller.SetInstanceID(in.InstanceID)
	}
	if in.State == "" {
		return nil
	}
	st, err := lifecycle.ParseState(in.State)
	if err != nil {
		return err
	}
	if err := d.controller.ForceStatus(ctx, st); err != nil {
		if errors.Is(err, lifecycle.ErrClosed) {
			return err
		}
		d.logger.Warn("initial state applied without address", "state", st, "error", err)
	}
	return nil
}

// Run serves the API until ctx is cancelled, then shuts everything down in
// order: listeners, scheduler, controller, history.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeCore()

	if err := d.ApplyInitial(ctx); err != nil {
		return err
	}

	tlsCfg, err := itls.SetupTLS(d.cfg.Server)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	var metricsSrv *http.Server
	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	srv := server.NewServer(d.cfg.Server, d.Handler(), tlsCfg)

	errCh := make(chan error, 2)
	go func() {
		var serr error
		if tlsCfg != nil {
			serr = srv.ServeTLS(ln, "", "")
		} else {
			serr = srv.Serve(ln)
		}
		if !errors.Is(serr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", serr)
		}
	}()
	if metricsSrv != nil {
		go func() {
			if serr := metricsSrv.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", serr)
			}
		}()
	}

	if err := d.scheduler.Start(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	d.logger.Info("craftd listening", "addr", ln.Addr().String(), "scheme", scheme, "base_path", d.cfg.Server.BasePath)
	select {
	case d.listening <- ln.Addr():
	default:
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		d.logger.Warn("api shutdown", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	d.scheduler.Stop()
	return runErr
}

func (d *Daemon) closeCore() {
	_ = d.controller.Close()
	if err := d.history.Close(); err != nil {
		d.logger.Warn("close history", "error", err)
	}
}

// Close releases the daemon without running it.
func (d *Daemon) Close() error {
	d.scheduler.Stop()
	d.closeCore()
	return nil
}
