package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/readiness"
)

// FailureMode defines how a workflow treats a failing step.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore" // log and continue with the next step
	FailureModeFail   FailureMode = "fail"   // abort the workflow with the step error
)

// Step is one unit of a sequential workflow.
type Step struct {
	Name        string
	FailureMode FailureMode
	Run         func(ctx context.Context) error
}

// settleStep pauses for d. It only fails when the workflow is cancelled.
func settleStep(name string, d time.Duration) Step {
	return Step{
		Name:        name,
		FailureMode: FailureModeFail,
		Run:         func(ctx context.Context) error { return readiness.Sleep(ctx, d) },
	}
}

// runSteps executes steps strictly in order. A cancelled context aborts the
// run even after an ignorable step.
func runSteps(ctx context.Context, logger *slog.Logger, workflow string, steps []Step) error {
	for i, s := range steps {
		logger.Info("workflow step", "workflow", workflow, "stage", s.Name, "step", i+1, "of", len(steps))
		err := s.Run(ctx)
		if err == nil {
			continue
		}
		metrics.IncStepFailure(workflow, s.Name)
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s: %w", s.Name, cerr)
		}
		if s.FailureMode == FailureModeIgnore {
			logger.Warn("workflow step failed, continuing", "workflow", workflow, "stage", s.Name, "error", err)
			continue
		}
		logger.Error("workflow step failed", "workflow", workflow, "stage", s.Name, "error", err)
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	return nil
}
