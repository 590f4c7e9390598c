package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func (h *harness) bringUp(t *testing.T) {
	t.Helper()
	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))
	require.Equal(t, StateUp, h.c.Status().State)
}

func TestStartReachesUpAfterInstanceBoots(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive(), activeAt("203.0.113.5")}}
	h := newHarness(t, p, nil)

	var fired atomic.Int32
	done, err := h.c.Start(context.Background(), func() { fired.Add(1) })
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))

	s := h.c.Status()
	assert.Equal(t, StateUp, s.State)
	assert.Equal(t, "203.0.113.5", s.Address)
	assert.Equal(t, "42", s.InstanceID)
	assert.Equal(t, int32(1), fired.Load())

	_, gets, _ := p.counts()
	assert.Equal(t, 2, gets)
	assert.Equal(t, 1, h.ex.opens, "init must use one session")
	assert.Equal(t, testScript, h.ex.ran())
}

func TestStartReturnsBeforeReadiness(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive()}}
	h := newHarness(t, p, nil)

	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	select {
	case <-done.Done():
		t.Fatal("start workflow must still be polling")
	default:
	}
	assert.Nil(t, done.Err())
	s := h.c.Status()
	assert.Equal(t, StateStarting, s.State)
	assert.Equal(t, "42", s.InstanceID)
	assert.Empty(t, s.Address)
}

func TestStartRejectedUnlessDown(t *testing.T) {
	for _, st := range []State{StateStarting, StateUp, StateStopping, StateWeird} {
		t.Run(string(st), func(t *testing.T) {
			p := &fakeProvider{createID: "99", gets: []provider.Instance{activeAt("198.51.100.7")}}
			h := newHarness(t, p, nil)
			h.c.SetInstanceID("7")
			_ = h.c.ForceStatus(context.Background(), st)
			before := h.c.Status()

			done, err := h.c.Start(context.Background(), nil)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Nil(t, done)
			assert.Equal(t, before, h.c.Status())
			creates, _, _ := p.counts()
			assert.Zero(t, creates)
		})
	}
}

func TestStartCreateFailureRevertsToDown(t *testing.T) {
	p := &fakeProvider{createErr: &provider.APIError{Op: "create", StatusCode: 422, Message: "size unavailable"}}
	h := newHarness(t, p, nil)
	h.c.SetInstanceID("stale")

	var fired atomic.Int32
	done, err := h.c.Start(context.Background(), func() { fired.Add(1) })
	require.Error(t, err)
	assert.Nil(t, done)
	var apiErr *provider.APIError
	assert.ErrorAs(t, err, &apiErr)

	s := h.c.Status()
	assert.Equal(t, StateDown, s.State)
	assert.Empty(t, s.InstanceID)
	assert.Zero(t, fired.Load())

	// the failed attempt released the gate
	p.set(func(p *fakeProvider) {
		p.createErr = nil
		p.createID = "43"
		p.gets = []provider.Instance{activeAt("203.0.113.9")}
	})
	h.bringUp(t)
	assert.Equal(t, "43", h.c.Status().InstanceID)
}

func TestInitFailureGoesWeirdAndKeepsRecord(t *testing.T) {
	ex := &fakeExec{respond: func(cmd string) (remote.Result, error) {
		if cmd == testScript[1] {
			return remote.Result{ExitCode: 100, Stderr: "E: Unable to locate package"}, nil
		}
		return remote.Result{}, nil
	}}
	h := newHarness(t, nil, ex)

	var fired atomic.Int32
	done, err := h.c.Start(context.Background(), func() { fired.Add(1) })
	require.NoError(t, err)
	werr := done.Wait(waitCtx(t))
	require.Error(t, werr)
	assert.ErrorIs(t, werr, remote.ErrCommandFailed)

	s := h.c.Status()
	assert.Equal(t, StateWeird, s.State)
	assert.Equal(t, "42", s.InstanceID)
	assert.Equal(t, "203.0.113.5", s.Address)
	assert.Equal(t, testScript[:2], ex.ran(), "init must stop at the first failure")
	assert.Zero(t, fired.Load())

	// operator fixes the host and retries
	ex.setRespond(nil)
	require.NoError(t, h.c.RunInitialization(context.Background()))
	assert.Equal(t, StateUp, h.c.Status().State)
	assert.Equal(t, int32(1), fired.Load(), "pending callback fires on recovery")

	require.NoError(t, h.c.RunInitialization(context.Background()))
	assert.Equal(t, int32(1), fired.Load(), "callback fires at most once")
}

func TestInitToleratesNonzeroExitUnlessStrict(t *testing.T) {
	ex := &fakeExec{respond: func(cmd string) (remote.Result, error) {
		if cmd == testScript[0] {
			return remote.Result{ExitCode: 32, Stderr: "already mounted"}, nil
		}
		return remote.Result{}, nil
	}}
	h := newHarness(t, nil, ex)
	h.bringUp(t)
	assert.Equal(t, testScript, ex.ran())
}

func TestRunInitializationRecoversFromWeirdOnRerun(t *testing.T) {
	h := newHarness(t, nil, nil)
	script := []string{"mount /dev/sda /mnt/world", "useradd --uid=10001 minecraft", "systemctl enable --now minecraft.service"}
	h.c.initScript = Commands(script, script[2])

	var rerun atomic.Bool
	h.ex.setRespond(func(cmd string) (remote.Result, error) {
		switch {
		case cmd == script[2] && !rerun.Load():
			return remote.Result{ExitCode: 1, Stderr: "Failed to enable unit"}, nil
		case cmd == script[0] && rerun.Load():
			return remote.Result{ExitCode: 32, Stderr: "already mounted"}, nil
		case cmd == script[1] && rerun.Load():
			return remote.Result{ExitCode: 9, Stderr: "user 'minecraft' already exists"}, nil
		}
		return remote.Result{}, nil
	})

	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, done.Wait(waitCtx(t)), remote.ErrCommandFailed)
	assert.Equal(t, StateWeird, h.c.Status().State)

	rerun.Store(true)
	require.NoError(t, h.c.RunInitialization(context.Background()))
	assert.Equal(t, StateUp, h.c.Status().State)
}

func TestInitTransportErrorGoesWeird(t *testing.T) {
	ex := &fakeExec{openErr: errors.New("ssh: handshake failed")}
	h := newHarness(t, nil, ex)

	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Error(t, done.Wait(waitCtx(t)))
	assert.Equal(t, StateWeird, h.c.Status().State)
	assert.Empty(t, ex.ran())
}

func TestReadinessExhaustedGoesWeird(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive()}}
	h := newHarness(t, p, nil)
	h.c.readiness = readinessFor(p, 3)

	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	werr := done.Wait(waitCtx(t))
	assert.Error(t, werr)

	s := h.c.Status()
	assert.Equal(t, StateWeird, s.State)
	assert.Equal(t, "42", s.InstanceID)
	assert.Empty(t, s.Address)
}

func TestStopTearsDownEvenWhenGracefulStopFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	h.ex.setRespond(func(cmd string) (remote.Result, error) {
		if cmd == "systemctl stop minecraft" {
			return remote.Result{}, errors.New("connection reset by peer")
		}
		return remote.Result{}, nil
	})

	done, err := h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))

	s := h.c.Status()
	assert.Equal(t, StateDown, s.State)
	assert.Empty(t, s.InstanceID)
	assert.Empty(t, s.Address)

	_, _, deleted := h.p.counts()
	assert.Equal(t, []string{"42"}, deleted)

	ran := h.ex.ran()[len(testScript):]
	require.Len(t, ran, 3)
	assert.Contains(t, ran[0], "'save'")
	assert.Equal(t, "systemctl stop minecraft", ran[1])
	assert.Equal(t, "poweroff", ran[2])
}

func TestStopToleratesEverySoftFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	h.ex.setRespond(func(cmd string) (remote.Result, error) {
		return remote.Result{ExitCode: 1}, nil
	})

	done, err := h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))
	assert.Equal(t, StateDown, h.c.Status().State)
}

func TestStopDeleteFailureStaysStopping(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	h.p.set(func(p *fakeProvider) { p.deleteErr = &provider.APIError{Op: "delete", StatusCode: 500} })
	before := h.c.Status()

	done, err := h.c.Stop()
	require.NoError(t, err)
	werr := done.Wait(waitCtx(t))
	require.Error(t, werr)
	var apiErr *provider.APIError
	assert.ErrorAs(t, werr, &apiErr)

	s := h.c.Status()
	assert.Equal(t, StateStopping, s.State)
	assert.Equal(t, before.InstanceID, s.InstanceID)
	assert.Equal(t, before.Address, s.Address)

	// stop is refused until an operator intervenes
	_, err = h.c.Stop()
	assert.ErrorIs(t, err, ErrInvalidState)

	h.p.set(func(p *fakeProvider) { p.deleteErr = nil })
	require.NoError(t, h.c.ForceStatus(context.Background(), StateWeird))
	done, err = h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))
	assert.Equal(t, StateDown, h.c.Status().State)
}

func TestInterruptedTeardownWarnsInstanceRetained(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	logs := &logBuffer{}
	h.c.logger = slog.New(slog.NewTextHandler(logs, nil))
	h.c.teardown.SaveSettle = time.Hour

	done, err := h.c.Stop()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ex.ranMatching("'save'") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.c.ForceStatus(context.Background(), StateWeird))
	assert.ErrorIs(t, done.Wait(waitCtx(t)), ErrSuperseded)

	_, _, deleted := h.p.counts()
	assert.Empty(t, deleted)
	assert.Equal(t, "42", h.c.Status().InstanceID)
	assert.Contains(t, logs.String(), "instance not deleted and id retained")
}

func TestStopRejectedOutsideUpOrWeird(t *testing.T) {
	for _, st := range []State{StateDown, StateStarting, StateStopping} {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.c.SetInstanceID("42")
			require.NoError(t, h.c.ForceStatus(context.Background(), st))
			before := h.c.Status()

			done, err := h.c.Stop()
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Nil(t, done)
			assert.Equal(t, before, h.c.Status())
			assert.Empty(t, h.ex.ran())
		})
	}
}

func TestStopFromWeirdWithoutAddressStillDeletes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.c.SetInstanceID("42")
	require.NoError(t, h.c.ForceStatus(context.Background(), StateWeird))

	done, err := h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))
	_, _, deleted := h.p.counts()
	assert.Equal(t, []string{"42"}, deleted)
	assert.Equal(t, StateDown, h.c.Status().State)
}

func TestForceStatusUpWithoutPublicAddress(t *testing.T) {
	p := &fakeProvider{gets: []provider.Instance{{ID: "42", Status: provider.StatusActive, Networks: []provider.Network{
		{Address: "10.10.0.5", Scope: provider.ScopePrivate},
	}}}}
	h := newHarness(t, p, nil)
	h.c.SetInstanceID("42")

	err := h.c.ForceStatus(context.Background(), StateUp)
	assert.ErrorIs(t, err, ErrNoPublicAddress)

	s := h.c.Status()
	assert.Equal(t, StateUp, s.State)
	assert.Empty(t, s.Address)
}

func TestForceStatusUpAdoptsPublicAddress(t *testing.T) {
	p := &fakeProvider{gets: []provider.Instance{activeAt("198.51.100.20")}}
	h := newHarness(t, p, nil)
	h.c.SetInstanceID("42")

	require.NoError(t, h.c.ForceStatus(context.Background(), StateUp))
	s := h.c.Status()
	assert.Equal(t, StateUp, s.State)
	assert.Equal(t, "198.51.100.20", s.Address)
}

func TestForceStatusUpProviderError(t *testing.T) {
	p := &fakeProvider{getErr: &provider.APIError{Op: "get", StatusCode: 404}}
	h := newHarness(t, p, nil)
	h.c.SetInstanceID("42")

	err := h.c.ForceStatus(context.Background(), StateUp)
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, StateUp, h.c.Status().State)
}

func TestForceStatusRejectsUnknownState(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.Error(t, h.c.ForceStatus(context.Background(), State("exploded")))
	assert.Equal(t, StateDown, h.c.Status().State)
}

func TestForceStatusCancelsStartWorkflow(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive()}}
	h := newHarness(t, p, nil)

	var fired atomic.Int32
	done, err := h.c.Start(context.Background(), func() { fired.Add(1) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, gets, _ := p.counts(); return gets > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.c.ForceStatus(context.Background(), StateDown))
	assert.ErrorIs(t, done.Wait(waitCtx(t)), ErrSuperseded)

	// a late readiness result must not resurrect the old workflow
	p.set(func(p *fakeProvider) { p.gets = []provider.Instance{activeAt("203.0.113.5")} })
	time.Sleep(20 * time.Millisecond)
	s := h.c.Status()
	assert.Equal(t, StateDown, s.State)
	assert.Empty(t, s.Address)
	assert.Zero(t, fired.Load())
	assert.Empty(t, h.ex.ran())
}

func TestForceStatusDuringCreateKeepsInstanceID(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{createID: "42", createGate: gate}
	h := newHarness(t, p, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Start(context.Background(), nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { c, _, _ := p.counts(); return c == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.c.ForceStatus(context.Background(), StateWeird))
	close(gate)
	assert.ErrorIs(t, <-errc, ErrSuperseded)

	s := h.c.Status()
	assert.Equal(t, StateWeird, s.State)
	assert.Equal(t, "42", s.InstanceID, "created instance must stay reachable for stop")
}

func TestSupersededCreateDoesNotReplaceLiveInstance(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{createID: "A", createGate: gate, gets: []provider.Instance{activeAt("203.0.113.5")}}
	h := newHarness(t, p, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Start(context.Background(), nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { c, _, _ := p.counts(); return c == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.c.ForceStatus(context.Background(), StateDown))
	p.set(func(p *fakeProvider) {
		p.createGate = nil
		p.createID = "B"
	})
	h.bringUp(t)

	close(gate)
	assert.ErrorIs(t, <-errc, ErrSuperseded)

	s := h.c.Status()
	assert.Equal(t, StateUp, s.State)
	assert.Equal(t, "B", s.InstanceID)
	_, _, deleted := p.counts()
	assert.Equal(t, []string{"A"}, deleted, "late droplet is deleted")

	done, err := h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))
	_, _, deleted = p.counts()
	assert.Equal(t, []string{"A", "B"}, deleted)
}

func TestCreateOutlivesCallerContext(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{createID: "42", createGate: gate, gets: []provider.Instance{activeAt("203.0.113.5")}}
	h := newHarness(t, p, nil)

	type result struct {
		done *Completion
		err  error
	}
	ctx, cancel := context.WithCancel(context.Background())
	resc := make(chan result, 1)
	go func() {
		d, err := h.c.Start(ctx, nil)
		resc <- result{d, err}
	}()
	require.Eventually(t, func() bool { c, _, _ := p.counts(); return c == 1 }, time.Second, time.Millisecond)

	// the API client hung up while the provider was still building
	cancel()
	close(gate)
	r := <-resc
	require.NoError(t, r.err)
	require.NoError(t, r.done.Wait(waitCtx(t)))

	s := h.c.Status()
	assert.Equal(t, StateUp, s.State)
	assert.Equal(t, "42", s.InstanceID)
}

func TestConcurrentStartsAreSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{createID: "42", createGate: gate, gets: []provider.Instance{activeAt("203.0.113.5")}}
	h := newHarness(t, p, nil)

	const callers = 10
	type result struct {
		done *Completion
		err  error
	}
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		go func() {
			d, err := h.c.Start(context.Background(), nil)
			results <- result{d, err}
		}()
	}

	var rejected int
	for i := 0; i < callers-1; i++ {
		r := <-results
		require.ErrorIs(t, r.err, ErrInvalidState)
		rejected++
	}
	close(gate)
	winner := <-results
	require.NoError(t, winner.err)
	require.NoError(t, winner.done.Wait(waitCtx(t)))

	creates, _, _ := p.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, StateUp, h.c.Status().State)
}

func TestRunInitializationRequiresAddressAndFreeGate(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive()}}
	h := newHarness(t, p, nil)

	assert.ErrorIs(t, h.c.RunInitialization(context.Background()), ErrNoAddress)

	_, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	h.c.mu.Lock()
	h.c.address = "203.0.113.5"
	h.c.mu.Unlock()
	assert.ErrorIs(t, h.c.RunInitialization(context.Background()), ErrBusy)
}

func TestRunInitializationFailureGoesWeird(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	h.ex.setRespond(func(cmd string) (remote.Result, error) {
		return remote.Result{}, errors.New("broken pipe")
	})

	err := h.c.RunInitialization(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, StateWeird, h.c.Status().State)
}

func TestSendConsoleCommandStripsColorReset(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	h.ex.setRespond(func(cmd string) (remote.Result, error) {
		return remote.Result{Stdout: "There are 2 players\u001b[0m"}, nil
	})

	out, err := h.c.SendConsoleCommand(context.Background(), "list")
	require.NoError(t, err)
	assert.Equal(t, "There are 2 players", out)
	assert.Equal(t, 1, h.ex.ranMatching("-p 'localrcon' 'list'"))
}

func TestConsoleAndCommandsNeedAddress(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.c.SendConsoleCommand(context.Background(), "list")
	assert.ErrorIs(t, err, ErrNoAddress)
	_, err = h.c.RunCommand(context.Background(), "uptime")
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Empty(t, h.ex.ran())
}

func TestRunCommandSurfacesTransportError(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	raw := errors.New("dial tcp 203.0.113.5:22: connect: connection refused")
	h.ex.setRespond(func(string) (remote.Result, error) { return remote.Result{}, raw })

	_, err := h.c.RunCommand(context.Background(), "uptime")
	assert.Same(t, raw, err)
	assert.Equal(t, StateUp, h.c.Status().State)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.bringUp(t)
	done, err := h.c.Stop()
	require.NoError(t, err)
	require.NoError(t, done.Wait(waitCtx(t)))

	var got []string
	for _, e := range h.rec.snapshot() {
		got = append(got, string(e.Type)+":"+e.Record.From+">"+e.Record.To)
	}
	assert.Equal(t, []string{
		"start:down>starting",
		"start:starting>up",
		"stop:up>stopping",
		"stop:stopping>down",
	}, got)

	last := h.rec.snapshot()[3]
	assert.Equal(t, "42", last.Record.InstanceID, "record reports the instance that was deleted")
}

func TestCloseCancelsRunningWorkflow(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{inactive()}}
	h := newHarness(t, p, nil)

	done, err := h.c.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, h.c.Close())

	assert.ErrorIs(t, done.Err(), ErrSuperseded)
	assert.Equal(t, StateStarting, h.c.Status().State)

	_, err = h.c.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.c.Close())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t, nil, nil)
	_, err = New(Options{Provider: h.p, Readiness: h.c.readiness, Executor: h.ex})
	assert.Error(t, err)

	c, err := New(Options{Provider: h.p, Readiness: h.c.readiness, Executor: h.ex, Console: h.c.console})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, DefaultInitScript, c.initScript)
	assert.Equal(t, DefaultTeardown(), c.teardown)
}

// allowedEdges lists every workflow transition; overrides may go anywhere.
var allowedEdges = map[history.EventType]map[string]bool{
	history.EventStart: {"down>starting": true, "starting>down": true, "starting>up": true, "starting>weird": true},
	history.EventStop:  {"up>stopping": true, "weird>stopping": true, "stopping>down": true, "stopping>stopping": true},
}

func TestRandomOperationsFollowTransitionTable(t *testing.T) {
	p := &fakeProvider{createID: "42", gets: []provider.Instance{activeAt("203.0.113.5")}}
	ex := &fakeExec{}
	h := newHarness(t, p, ex)
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		p.set(func(p *fakeProvider) {
			p.createErr = nil
			p.deleteErr = nil
			if rng.Intn(5) == 0 {
				p.createErr = errors.New("create rejected")
			}
			if rng.Intn(5) == 0 {
				p.deleteErr = errors.New("delete rejected")
			}
		})
		failInit := rng.Intn(4) == 0
		ex.setRespond(func(cmd string) (remote.Result, error) {
			if failInit && cmd == testScript[1] {
				return remote.Result{ExitCode: 100}, nil
			}
			return remote.Result{}, nil
		})

		var done *Completion
		switch rng.Intn(5) {
		case 0, 1:
			done, _ = h.c.Start(ctx, nil)
		case 2:
			done, _ = h.c.Stop()
		case 3:
			_ = h.c.ForceStatus(ctx, States[rng.Intn(len(States))])
		case 4:
			_ = h.c.RunInitialization(ctx)
		}
		if done != nil {
			_ = done.Wait(waitCtx(t))
		}
	}

	for _, e := range h.rec.snapshot() {
		edge := e.Record.From + ">" + e.Record.To
		switch e.Type {
		case history.EventForce:
			continue
		case history.EventInit:
			assert.Contains(t, []string{string(StateUp), string(StateWeird)}, e.Record.To, "init edge %s", edge)
		default:
			assert.True(t, allowedEdges[e.Type][edge], "unexpected %s edge %s", e.Type, edge)
		}
	}
}
