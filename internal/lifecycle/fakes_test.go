package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/console"
	"github.com/loykin/craftd/internal/history"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/readiness"
	"github.com/loykin/craftd/internal/remote"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// logBuffer collects log output from workflow goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func inactive() provider.Instance {
	return provider.Instance{ID: "42", Status: provider.StatusInactive}
}

func activeAt(addr string) provider.Instance {
	return provider.Instance{ID: "42", Status: provider.StatusActive, Networks: []provider.Network{
		{Address: "10.10.0.5", Scope: provider.ScopePrivate},
		{Address: addr, Scope: provider.ScopePublic},
	}}
}

type fakeProvider struct {
	mu sync.Mutex

	createID   string
	createErr  error
	createGate chan struct{}
	creates    int

	gets     []provider.Instance // last entry repeats
	getErr   error
	getCalls int

	deleteErr error
	deleted   []string
}

func (p *fakeProvider) CreateInstance(ctx context.Context, _ provider.CreateRequest) (string, error) {
	p.mu.Lock()
	p.creates++
	gate, id := p.createGate, p.createID
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	return id, nil
}

func (p *fakeProvider) GetInstance(_ context.Context, id string) (provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.getCalls
	p.getCalls++
	if p.getErr != nil {
		return provider.Instance{}, p.getErr
	}
	if id == "" {
		return provider.Instance{}, errors.New("empty id")
	}
	if len(p.gets) == 0 {
		return provider.Instance{}, &provider.APIError{Op: "get", StatusCode: 404}
	}
	if i >= len(p.gets) {
		i = len(p.gets) - 1
	}
	return p.gets[i], nil
}

func (p *fakeProvider) DeleteInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) counts() (creates, gets int, deleted []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates, p.getCalls, append([]string(nil), p.deleted...)
}

type nopSession struct{}

func (nopSession) Run(context.Context, string) (remote.Result, error) { return remote.Result{}, nil }
func (nopSession) Close() error                                       { return nil }

// fakeExec records commands; respond decides the outcome of each one.
type fakeExec struct {
	mu       sync.Mutex
	opens    int
	openErr  error
	commands []string
	respond  func(cmd string) (remote.Result, error)
}

func (f *fakeExec) Open(context.Context, string) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return nopSession{}, nil
}

func (f *fakeExec) Exec(_ context.Context, host, cmd string, _ ...remote.ExecOption) (remote.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	respond := f.respond
	f.mu.Unlock()
	if host == "" {
		return remote.Result{}, remote.ErrNoHost
	}
	if respond == nil {
		return remote.Result{}, nil
	}
	return respond(cmd)
}

func (f *fakeExec) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeExec) ranMatching(sub string) int {
	n := 0
	for _, c := range f.ran() {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func (f *fakeExec) setRespond(fn func(cmd string) (remote.Result, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

type memRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *memRecorder) Emit(e history.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *memRecorder) snapshot() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}

// apt is the only strict line in the harness script
var testScript = []string{"mount /dev/sda /mnt/world", "apt install -y openjdk", "systemctl enable --now minecraft.service"}

func fastTeardown() Teardown {
	return Teardown{
		SaveCommand:     "save",
		StopCommand:     "systemctl stop minecraft",
		PoweroffCommand: "poweroff",
		SaveSettle:      time.Millisecond,
		StopSettle:      time.Millisecond,
		PoweroffSettle:  time.Millisecond,
	}
}

type harness struct {
	c   *Controller
	p   *fakeProvider
	ex  *fakeExec
	rec *memRecorder
}

func newHarness(t *testing.T, p *fakeProvider, ex *fakeExec) *harness {
	t.Helper()
	if p == nil {
		p = &fakeProvider{createID: "42", gets: []provider.Instance{activeAt("203.0.113.5")}}
	}
	if ex == nil {
		ex = &fakeExec{}
	}
	rec := &memRecorder{}
	c, err := New(Options{
		Provider:   p,
		Readiness:  readiness.New(p, readiness.Policy{Interval: time.Millisecond}, quiet),
		Executor:   ex,
		Console:    console.New(ex, "", ""),
		InitScript: Commands(testScript, testScript[1]),
		Teardown:   fastTeardown(),
		History:    rec,
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &harness{c: c, p: p, ex: ex, rec: rec}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readinessFor(g readiness.Getter, attempts int) *readiness.Poller {
	return readiness.New(g, readiness.Policy{Interval: time.Millisecond, MaxAttempts: attempts}, quiet)
}
