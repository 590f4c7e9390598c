package craftd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) CreateInstance(context.Context, provider.CreateRequest) (string, error) {
	return "42", nil
}

func (stubProvider) GetInstance(_ context.Context, id string) (provider.Instance, error) {
	return provider.Instance{
		ID:       id,
		Status:   provider.StatusActive,
		Networks: []provider.Network{{Address: "203.0.113.5", Scope: provider.ScopePublic}},
	}, nil
}

func (stubProvider) DeleteInstance(context.Context, string) error { return nil }

type stubDialer struct{}

func (stubDialer) Dial(context.Context, string) (remote.Session, error) {
	return nil, errors.New("no ssh in tests")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, Options{Provider: stubProvider{}, Dialer: stubDialer{}})
	require.NoError(t, err)
	return d
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestNewRequiresSSHKeyWithoutDialer(t *testing.T) {
	_, err := New(testConfig(), Options{Provider: stubProvider{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh")
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleConfig{{Name: "nightly", Schedule: "every night at 3", Action: "stop"}}
	_, err := New(cfg, Options{Provider: stubProvider{}, Dialer: stubDialer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nightly")
}

func TestNewRejectsBadHistorySink(t *testing.T) {
	cfg := testConfig()
	cfg.History.Sinks = []string{"carrier-pigeon://coop"}
	_, err := New(cfg, Options{Provider: stubProvider{}, Dialer: stubDialer{}})
	assert.Error(t, err)
}

func TestHandlerServesStatus(t *testing.T) {
	d := newTestDaemon(t, testConfig())
	defer func() { _ = d.Close() }()

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, StateDown, snap.State)
}

func TestApplyInitialAdoptsRunningInstance(t *testing.T) {
	cfg := testConfig()
	cfg.Initial = config.InitialConfig{State: "up", InstanceID: "42"}
	d := newTestDaemon(t, cfg)
	defer func() { _ = d.Close() }()

	require.NoError(t, d.ApplyInitial(context.Background()))
	snap := d.Controller().Status()
	assert.Equal(t, StateUp, snap.State)
	assert.Equal(t, "42", snap.InstanceID)
	assert.Equal(t, "203.0.113.5", snap.Address)
}

func TestApplyInitialNoop(t *testing.T) {
	d := newTestDaemon(t, testConfig())
	defer func() { _ = d.Close() }()

	require.NoError(t, d.ApplyInitial(context.Background()))
	assert.Equal(t, StateDown, d.Controller().Status().State)
}

func TestRunServesUntilCancelled(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	var addr net.Addr
	select {
	case addr = <-d.Listening():
	case err := <-errCh:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start listening")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/healthz", addr))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig()
	cfg.Server.Listen = ln.Addr().String()
	d := newTestDaemon(t, cfg)

	err = d.Run(context.Background())
	assert.Error(t, err)
}
