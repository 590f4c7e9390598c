// Package readiness waits for a freshly created instance to become reachable.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/provider"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultSettle   = 30 * time.Second
)

var (
	ErrAttemptsExhausted = errors.New("instance not ready: attempts exhausted")
	ErrDeadlineExceeded  = errors.New("instance not ready: deadline exceeded")
)

// Poll outcomes, also used as metric labels.
const (
	outcomeReady     = "ready"
	outcomeNotActive = "not_active"
	outcomeNoNetwork = "no_public_network"
	outcomeError     = "error"
)

// Getter is the provider call the poller needs.
type Getter interface {
	GetInstance(ctx context.Context, id string) (provider.Instance, error)
}

// Policy controls the retry loop. MaxAttempts and Deadline of zero mean unbounded.
// Settle is the pause after readiness that lets sshd finish starting.
type Policy struct {
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	Deadline    time.Duration `json:"deadline" mapstructure:"deadline"`
	Settle      time.Duration `json:"settle" mapstructure:"settle"`
}

// DefaultPolicy retries every 5s forever and settles for 30s.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval, Settle: DefaultSettle}
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Deadline < 0 {
		p.Deadline = 0
	}
	if p.Settle < 0 {
		p.Settle = 0
	}
	return p
}

// Poller converts a just-created instance into a reachable address.
// It never changes lifecycle state.
type Poller struct {
	getter Getter
	policy Policy
	logger *slog.Logger
	sf     singleflight.Group
}

// New creates a poller.
func New(g Getter, policy Policy, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{getter: g, policy: policy.normalized(), logger: logger}
}

// Policy returns the effective policy.
func (p *Poller) Policy() Policy { return p.policy }

// AwaitReady blocks until the instance is active with a public address and
// returns that address. Not-active, no-network and provider errors are all
// retried.
//
// Concurrent calls for the same id share one loop and its result. The
// lifecycle controller polls each id once per start; the merge is for
// embedders that also wait on a poller directly, e.g. a bot announcing the
// address, so they add no provider requests. The shared loop runs on the first
// caller's context.
func (p *Poller) AwaitReady(ctx context.Context, id string) (string, error) {
	v, err, _ := p.sf.Do(id, func() (interface{}, error) {
		return p.await(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Settle waits for the configured settle delay or until ctx is done.
func (p *Poller) Settle(ctx context.Context) error {
	return Sleep(ctx, p.policy.Settle)
}

func (p *Poller) await(parent context.Context, id string) (string, error) {
	ctx := parent
	if p.policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, p.policy.Deadline)
		defer cancel()
	}

	timer := time.NewTimer(p.policy.Interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		addr, outcome, err := p.check(ctx, id)
		metrics.IncReadinessPoll(outcome)
		switch outcome {
		case outcomeReady:
			p.logger.Info("instance reachable", "instance_id", id, "address", addr, "attempts", attempt)
			return addr, nil
		case outcomeNotActive:
			p.logger.Info("instance not active, waiting", "instance_id", id, "attempt", attempt)
		case outcomeNoNetwork:
			p.logger.Info("instance active without public network, waiting", "instance_id", id, "attempt", attempt)
		default:
			p.logger.Warn("instance status check failed, retrying", "instance_id", id, "attempt", attempt, "error", err)
		}

		if p.policy.MaxAttempts > 0 && attempt >= p.policy.MaxAttempts {
			return "", fmt.Errorf("%w (%d attempts)", ErrAttemptsExhausted, attempt)
		}

		timer.Reset(p.policy.Interval)
		select {
		case <-ctx.Done():
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w (%s)", ErrDeadlineExceeded, p.policy.Deadline)
			}
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Poller) check(ctx context.Context, id string) (string, string, error) {
	inst, err := p.getter.GetInstance(ctx, id)
	if err != nil {
		return "", outcomeError, err
	}
	if !inst.Active() {
		return "", outcomeNotActive, nil
	}
	addr, ok := inst.PublicAddress()
	if !ok {
		return "", outcomeNoNetwork, nil
	}
	return addr, outcomeReady, nil
}

// Sleep pauses for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
