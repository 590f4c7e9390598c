// Package schedule runs periodic actions against the lifecycle controller.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loykin/craftd/internal/lifecycle"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Actions a job can run.
const (
	ActionStop    = "stop"
	ActionConsole = "console"
)

// Tick outcomes, also metric labels.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// parser accepts standard 5-field expressions, an optional leading seconds
// field, descriptors such as @daily and @every, and a CRON_TZ= prefix.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is the part of the controller the scheduler drives.
type Target interface {
	Status() lifecycle.Snapshot
	Stop() (*lifecycle.Completion, error)
	SendConsoleCommand(ctx context.Context, text string) (string, error)
}

// Job defines a scheduled action, e.g. Schedule "0 4 * * *" with Action "stop"
// or "@every 30m" with Action "console".
// A run is skipped while the previous run of the same job is still going,
// and whenever the server is not up.
type Job struct {
	Name     string
	Schedule string
	Action   string
	Command  string

	schedule cron.Schedule
	running  atomic.Bool
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	switch j.Action {
	case ActionStop:
	case ActionConsole:
		if j.Command == "" {
			return fmt.Errorf("job %s: console action requires a command", j.Name)
		}
	default:
		return fmt.Errorf("job %s: unknown action %q", j.Name, j.Action)
	}
	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron schedule %q: %w", j.Name, j.Schedule, err)
	}
	j.schedule = sched
	return nil
}

// Scheduler runs jobs against one target.
type Scheduler struct {
	target Target
	logger *slog.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	jobs   []*Job
	cancel context.CancelFunc
}

func NewScheduler(t Target, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{target: t, logger: logger.With("component", "schedule"), cron: cron.New()}
}

// Add validates and registers a job. Names must be unique.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate job %q", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start registers every job with the cron runner and starts it. Runs see a
// context that ends when ctx does or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.cron.Schedule(j.schedule, cron.FuncJob(func() { s.run(ctx, j) }))
		s.logger.Info("job scheduled", "job", j.Name, "schedule", j.Schedule, "action", j.Action)
	}
	s.cron.Start()
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
}

// run is the cron entry of one job.
func (s *Scheduler) run(ctx context.Context, j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous run still going", "job", j.Name)
		metrics.IncScheduleRun(j.Name, outcomeSkipped)
		return
	}
	defer j.running.Store(false)
	s.tick(ctx, j)
}

// tick runs the job once if the server is up.
func (s *Scheduler) tick(ctx context.Context, j *Job) {
	snap := s.target.Status()
	if snap.State != lifecycle.StateUp {
		s.logger.Debug("skip scheduled job", "job", j.Name, "state", snap.State)
		metrics.IncScheduleRun(j.Name, outcomeSkipped)
		return
	}

	var err error
	switch j.Action {
	case ActionStop:
		// the stop workflow runs on the controller's own context
		_, err = s.target.Stop()
	case ActionConsole:
		var out string
		out, err = s.target.SendConsoleCommand(ctx, j.Command)
		if err == nil {
			s.logger.Info("scheduled console command", "job", j.Name, "command", j.Command, "output", out)
		}
	}
	if err != nil {
		// the state may have moved between Status and the call
		if errors.Is(err, lifecycle.ErrInvalidState) || errors.Is(err, lifecycle.ErrBusy) {
			metrics.IncScheduleRun(j.Name, outcomeSkipped)
			return
		}
		s.logger.Error("scheduled job failed", "job", j.Name, "action", j.Action, "error", err)
		metrics.IncScheduleRun(j.Name, outcomeError)
		return
	}
	s.logger.Info("scheduled job ran", "job", j.Name, "action", j.Action)
	metrics.IncScheduleRun(j.Name, outcomeOK)
}
