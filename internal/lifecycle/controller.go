// Package lifecycle owns the record of the single game-server instance and
// drives it through creation, readiness, initialization and teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/remote"
)

var (
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrBusy            = errors.New("another workflow is in progress")
	ErrNoAddress       = errors.New("server has no address")
	ErrNoPublicAddress = errors.New("instance has no public address")
	ErrSuperseded      = errors.New("workflow superseded")
	ErrClosed          = errors.New("controller is closed")
)

// createTimeout bounds CreateInstance and orphan cleanup, which outlive the caller.
const createTimeout = 2 * time.Minute

// Executor runs shell commands on the instance.
type Executor interface {
	Open(ctx context.Context, host string) (remote.Session, error)
	Exec(ctx context.Context, host, command string, opts ...remote.ExecOption) (remote.Result, error)
}

// Console sends game console commands through the remote relay.
type Console interface {
	Send(ctx context.Context, host, text string, opts ...remote.ExecOption) (string, error)
}

// Readiness turns a created instance into a reachable address.
type Readiness interface {
	AwaitReady(ctx context.Context, id string) (string, error)
	Settle(ctx context.Context) error
}

// Recorder receives every state transition.
type Recorder interface {
	Emit(e history.Event)
}

type nopRecorder struct{}

func (nopRecorder) Emit(history.Event) {}

// Options wires the controller's collaborators. Provider, Readiness, Executor
// and Console are required.
type Options struct {
	Provider  provider.Provider
	Readiness Readiness
	Executor  Executor
	Console   Console

	// Instance is the create request sent on every Start.
	Instance   provider.CreateRequest
	InitScript []InitCommand // nil selects DefaultInitScript
	Teardown   Teardown // zero value selects DefaultTeardown
	History    Recorder
	Logger     *slog.Logger
}

type workflow struct {
	kind    history.EventType
	ctx     context.Context
	cancel  context.CancelFunc
	done    *Completion
	started time.Time
}

// Controller serializes all lifecycle transitions of one instance.
//
// Lock Hierarchy:
// 1. mu protects the server record and the workflow gate
// 2. no external call is made while mu is held
type Controller struct {
	provider   provider.Provider
	readiness  Readiness
	exec       Executor
	console    Console
	instance   provider.CreateRequest
	initScript []InitCommand
	teardown   Teardown
	history    Recorder
	logger     *slog.Logger

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	state      State
	instanceID string
	address    string
	onReady    func()
	workflow   *workflow
	closed     bool
}

// New creates a controller in state down.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Provider == nil:
		return nil, errors.New("lifecycle: provider is required")
	case opts.Readiness == nil:
		return nil, errors.New("lifecycle: readiness poller is required")
	case opts.Executor == nil:
		return nil, errors.New("lifecycle: executor is required")
	case opts.Console == nil:
		return nil, errors.New("lifecycle: console is required")
	}
	script := opts.InitScript
	if script == nil {
		script = DefaultInitScript
	}
	rec := opts.History
	if rec == nil {
		rec = nopRecorder{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		provider:   opts.Provider,
		readiness:  opts.Readiness,
		exec:       opts.Executor,
		console:    opts.Console,
		instance:   opts.Instance,
		initScript: slices.Clone(script),
		teardown:   opts.Teardown.withDefaults(),
		history:    rec,
		logger:     logger,
		base:       base,
		baseCancel: cancel,
		state:      StateDown,
	}
	publishState(StateDown)
	return c, nil
}

// Status returns a snapshot of the server record. It never waits for a workflow.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Address: c.address, InstanceID: c.instanceID}
}

// Start requests a new instance and brings it up in the background.
// It returns once the provider accepted the request. onReady, when set, runs
// once when the server reaches up. The returned Completion resolves when the
// start workflow ends; its error is nil only if the server is up.
func (c *Controller) Start(ctx context.Context, onReady func()) (*Completion, error) {
	c.mu.Lock()
	if err := c.checkLocked("start", StateDown); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.onReady = onReady
	c.setStateLocked(StateStarting, history.EventStart, nil)
	w := c.beginLocked(history.EventStart)
	req := c.instance
	c.mu.Unlock()

	// neither an override nor the caller going away may abandon a droplet the
	// provider is already building
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
	id, err := c.provider.CreateInstance(cctx, req)
	cancel()

	if err != nil {
		err = fmt.Errorf("create instance: %w", err)
		c.logger.Error("instance create failed", "error", err)
		c.finish(w, err, func() func() {
			c.instanceID = ""
			c.onReady = nil
			c.setStateLocked(StateDown, history.EventStart, err)
			return nil
		})
		return nil, err
	}

	// a superseded create keeps its id only while nothing newer claimed the record
	c.mu.Lock()
	owned := c.workflow == w
	adopt := owned || (c.workflow == nil && c.instanceID == "")
	if adopt {
		c.instanceID = id
	}
	current := c.instanceID
	c.mu.Unlock()
	c.logger.Info("instance created", "instance_id", id)

	if owned {
		go c.bringUp(w, id)
		return w.done, nil
	}
	c.finish(w, nil, nil)
	if !adopt && current != id {
		c.deleteOrphan(ctx, id, current)
	}
	return nil, fmt.Errorf("instance %s created: %w", id, ErrSuperseded)
}

// deleteOrphan removes a droplet whose create lost the record to a newer one.
func (c *Controller) deleteOrphan(ctx context.Context, id, current string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
	defer cancel()
	if err := c.provider.DeleteInstance(dctx, id); err != nil {
		c.logger.Error("orphaned instance could not be deleted", "instance_id", id, "current_instance_id", current, "error", err)
		return
	}
	c.logger.Warn("deleted orphaned instance", "instance_id", id, "current_instance_id", current)
}

// Stop tears the instance down in the background. The returned Completion
// carries the deletion error if the provider refused to delete, in which case
// the server stays stopping with its id and address intact.
func (c *Controller) Stop() (*Completion, error) {
	c.mu.Lock()
	if err := c.checkLocked("stop", StateUp, StateWeird); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.setStateLocked(StateStopping, history.EventStop, nil)
	w := c.beginLocked(history.EventStop)
	id, addr := c.instanceID, c.address
	c.mu.Unlock()

	go c.tearDown(w, id, addr)
	return w.done, nil
}

// ForceStatus overrides the state and cancels any running workflow. Forcing up
// adopts the instance's first public address; when the provider reports none
// ErrNoPublicAddress is returned and the server stays up without an address.
func (c *Controller) ForceStatus(ctx context.Context, s State) error {
	if !s.Valid() {
		return fmt.Errorf("unknown state %q", s)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	w := c.workflow
	c.workflow = nil
	c.onReady = nil
	if s == StateUp || s == StateDown {
		c.address = ""
	}
	id := c.instanceID
	c.setStateLocked(s, history.EventForce, nil)
	c.mu.Unlock()

	if w != nil {
		w.cancel()
		c.logger.Warn("status override cancelled workflow", "workflow", w.kind, "state", s)
	}
	if s != StateUp {
		return nil
	}

	inst, err := c.provider.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch instance %q: %w", id, err)
	}
	addr, ok := inst.PublicAddress()
	if !ok {
		c.logger.Warn("forced up without public address", "instance_id", id)
		return fmt.Errorf("%w: instance %s", ErrNoPublicAddress, id)
	}

	c.mu.Lock()
	if c.state == StateUp && c.instanceID == id && c.workflow == nil {
		c.address = addr
	}
	c.mu.Unlock()
	c.logger.Info("adopted instance address", "instance_id", id, "address", addr)
	return nil
}

// SetInstanceID overrides the instance id without checking the provider.
func (c *Controller) SetInstanceID(id string) {
	c.mu.Lock()
	prev := c.instanceID
	c.instanceID = id
	c.mu.Unlock()
	c.logger.Info("instance id overridden", "previous", prev, "instance_id", id)
}

// RunInitialization re-runs the init script against the current address in
// any state. Success moves the server to up, failure to weird.
func (c *Controller) RunInitialization(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.workflow != nil:
		kind := c.workflow.kind
		c.mu.Unlock()
		return fmt.Errorf("%w: %s workflow running", ErrBusy, kind)
	case c.address == "":
		c.mu.Unlock()
		return ErrNoAddress
	}
	addr := c.address
	w := c.beginLocked(history.EventInit)
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, w.cancel)
	defer stop()
	c.completeInit(w, addr)
	return w.done.Err()
}

// SendConsoleCommand relays text to the game console. Any state with an
// address is accepted, including stopping.
func (c *Controller) SendConsoleCommand(ctx context.Context, text string) (string, error) {
	addr, err := c.currentAddress()
	if err != nil {
		return "", err
	}
	return c.console.Send(ctx, addr, text)
}

// RunCommand runs an ad hoc shell command over a one-shot connection.
// Transport errors are returned unchanged.
func (c *Controller) RunCommand(ctx context.Context, command string) (remote.Result, error) {
	addr, err := c.currentAddress()
	if err != nil {
		return remote.Result{}, err
	}
	return c.exec.Exec(ctx, addr, command, remote.WithOutputLogging())
}

// Close cancels running workflows and waits for them. The state is left as is.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.workflow = nil
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) currentAddress() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.address == "" {
		return "", ErrNoAddress
	}
	return c.address, nil
}

// bringUp waits for readiness, settles and initializes.
func (c *Controller) bringUp(w *workflow, id string) {
	addr, err := c.readiness.AwaitReady(w.ctx, id)
	if err != nil {
		err = fmt.Errorf("await readiness: %w", err)
		c.logger.Error("instance did not become ready", "instance_id", id, "error", err)
		c.finish(w, err, c.toWeird(w, err))
		return
	}

	c.mu.Lock()
	if c.workflow == w {
		c.address = addr
	}
	c.mu.Unlock()

	if err := c.readiness.Settle(w.ctx); err != nil {
		c.finish(w, err, c.toWeird(w, err))
		return
	}
	c.completeInit(w, addr)
}

func (c *Controller) completeInit(w *workflow, addr string) {
	if err := c.initialize(w.ctx, addr); err != nil {
		c.logger.Error("initialization failed", "address", addr, "error", err)
		c.finish(w, err, c.toWeird(w, err))
		return
	}
	c.finish(w, nil, func() func() {
		c.setStateLocked(StateUp, w.kind, nil)
		cb := c.onReady
		c.onReady = nil
		return cb
	})
}

// initialize runs the init script over one session. A transport error aborts
// it; a nonzero exit aborts only commands marked FailureModeFail.
func (c *Controller) initialize(ctx context.Context, addr string) error {
	sess, err := c.exec.Open(ctx, addr)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.logger.Debug("close init session", "address", addr, "error", cerr)
		}
	}()

	logger := c.logger.With("address", addr)
	steps := make([]Step, 0, len(c.initScript))
	for _, ic := range c.initScript {
		steps = append(steps, Step{
			Name:        ic.Command,
			FailureMode: FailureModeFail,
			Run: func(ctx context.Context) error {
				res, err := c.exec.Exec(ctx, addr, ic.Command, remote.WithSession(sess), remote.WithOutputLogging())
				if err != nil {
					return err
				}
				cerr := res.Check(ic.Command)
				if cerr == nil || ic.OnExit == FailureModeFail {
					return cerr
				}
				metrics.IncStepFailure(string(history.EventInit), ic.Command)
				logger.Warn("init command exited nonzero, continuing", "command", ic.Command, "exit_code", res.ExitCode, "stderr", res.Stderr)
				return nil
			},
		})
	}
	return runSteps(ctx, logger, string(history.EventInit), steps)
}

func (c *Controller) tearDown(w *workflow, id, addr string) {
	t := c.teardown
	steps := []Step{
		{
			Name:        "console-save",
			FailureMode: FailureModeIgnore,
			Run: func(ctx context.Context) error {
				_, err := c.console.Send(ctx, addr, t.SaveCommand)
				return err
			},
		},
		settleStep("settle-save", t.SaveSettle),
		{Name: "graceful-stop", FailureMode: FailureModeIgnore, Run: c.remoteStep(addr, t.StopCommand)},
		settleStep("settle-stop", t.StopSettle),
		{Name: "poweroff", FailureMode: FailureModeIgnore, Run: c.remoteStep(addr, t.PoweroffCommand)},
		settleStep("settle-poweroff", t.PoweroffSettle),
		{
			Name:        "delete-instance",
			FailureMode: FailureModeFail,
			Run:         func(ctx context.Context) error { return c.provider.DeleteInstance(ctx, id) },
		},
	}

	if err := runSteps(w.ctx, c.logger.With("instance_id", id), string(history.EventStop), steps); err != nil {
		if w.ctx.Err() != nil {
			c.logger.Warn("teardown interrupted, instance not deleted and id retained", "instance_id", id, "error", err)
		}
		c.finish(w, err, func() func() {
			c.setStateLocked(StateStopping, w.kind, err)
			return nil
		})
		return
	}
	c.finish(w, nil, func() func() {
		c.setStateLocked(StateDown, w.kind, nil)
		c.instanceID = ""
		c.address = ""
		return nil
	})
}

func (c *Controller) remoteStep(addr, command string) func(context.Context) error {
	return func(ctx context.Context) error {
		res, err := c.exec.Exec(ctx, addr, command, remote.WithOutputLogging())
		if err != nil {
			return err
		}
		return res.Check(command)
	}
}

func (c *Controller) toWeird(w *workflow, err error) func() func() {
	return func() func() {
		c.setStateLocked(StateWeird, w.kind, err)
		return nil
	}
}

func (c *Controller) checkLocked(op string, allowed ...State) error {
	if c.closed {
		return ErrClosed
	}
	if !slices.Contains(allowed, c.state) {
		c.logger.Warn("request ignored in current state", "op", op, "state", c.state)
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, c.state)
	}
	if c.workflow != nil {
		return fmt.Errorf("%w: %s workflow running", ErrBusy, c.workflow.kind)
	}
	return nil
}

func (c *Controller) beginLocked(kind history.EventType) *workflow {
	ctx, cancel := context.WithCancel(c.base)
	w := &workflow{kind: kind, ctx: ctx, cancel: cancel, done: newCompletion(), started: time.Now()}
	c.workflow = w
	c.wg.Add(1)
	return w
}

// finish releases the gate and resolves the completion. apply runs under the
// lock only while w still owns the gate and may return a func to call after
// unlocking.
func (c *Controller) finish(w *workflow, err error, apply func() func()) {
	c.mu.Lock()
	owned := c.workflow == w
	var after func()
	if owned {
		if apply != nil {
			after = apply()
		}
		c.workflow = nil
	}
	c.mu.Unlock()
	w.cancel()

	if !owned {
		switch {
		case err == nil:
			err = ErrSuperseded
		case !errors.Is(err, ErrSuperseded):
			err = fmt.Errorf("%w: %w", ErrSuperseded, err)
		}
	}
	metrics.ObserveWorkflow(string(w.kind), err == nil, time.Since(w.started).Seconds())
	if after != nil {
		after()
	}
	w.done.resolve(err)
	c.wg.Done()
}

// setStateLocked moves to s and records the transition. Callers update the
// record fields they want reported before calling it.
func (c *Controller) setStateLocked(s State, cause history.EventType, err error) {
	from := c.state
	c.state = s
	if from != s {
		metrics.RecordStateTransition(string(from), string(s))
		publishState(s)
	}

	attrs := []any{"from", from, "to", s, "cause", cause, "instance_id", c.instanceID}
	rec := history.Record{InstanceID: c.instanceID, Address: c.address, From: string(from), To: string(s)}
	if err != nil {
		rec.Error = err.Error()
		attrs = append(attrs, "error", err)
	}
	c.logger.Info("state changed", attrs...)
	c.history.Emit(history.Event{Type: cause, OccurredAt: time.Now().UTC(), Record: rec})
}

func publishState(s State) {
	for _, st := range States {
		metrics.SetCurrentState(string(st), st == s)
	}
}
