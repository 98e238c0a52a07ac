package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/results"
)

// StepRunner executes a structured step list through a shell, stopping at the
// first failing step. Skipped steps are recorded and not run; a script whose
// steps are all skipped is Skip.
type StepRunner struct {
	shell  *CommandRunner
	logger *zap.SugaredLogger
}

// NewStepRunner wraps shell for step execution.
func NewStepRunner(shell *CommandRunner, log *zap.SugaredLogger) *StepRunner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StepRunner{shell: shell, logger: log.Named("runner.steps")}
}

// Kind implements Runner.
func (r *StepRunner) Kind() Kind {
	return KindSteps
}

// Run implements Runner.
func (r *StepRunner) Run(ctx context.Context, script *Script, inv Invocation) (*Outcome, error) {
	if len(script.Steps) == 0 {
		return nil, errors.NewValidationError("test case %d has no steps", script.TestCaseID)
	}

	start := time.Now()
	env := buildEnv(script, inv)
	dir := r.shell.dir(script)
	out := &Outcome{Result: results.Skip}

	for i, step := range script.Steps {
		if step.Skip {
			out.Steps = append(out.Steps, StepOutcome{Name: step.Name, Result: results.Skip})
			continue
		}

		res := r.shell.exec(ctx, r.shell.expand(step.Command), dir, env, inv.KillGrace)
		if res.outcome == nil {
			return nil, errors.Wrapf(res.err, "step %d (%s)", i+1, step.Name)
		}

		so := StepOutcome{
			Name:     step.Name,
			Result:   res.outcome.Result,
			ExitCode: res.outcome.ExitCode,
			Duration: res.outcome.Duration,
		}
		out.Steps = append(out.Steps, so)
		out.Output = joinOutput(out.Output, res.outcome.Output)
		out.Truncated = out.Truncated || res.outcome.Truncated
		out.ExitCode = so.ExitCode

		if res.err != nil {
			out.Result = res.outcome.Result
			out.Message = fmt.Sprintf("step %q: %s", step.Name, res.outcome.Message)
			out.Duration = time.Since(start)
			return out, res.err
		}

		switch so.Result {
		case results.Pass:
			out.Result = results.Pass
		case results.Skip:
			// script-level skip of one step leaves the overall result untouched
		default:
			out.Result = results.Fail
			out.Message = fmt.Sprintf("step %q failed with exit code %d", step.Name, so.ExitCode)
			out.Duration = time.Since(start)
			r.logger.Debugw("Step failed",
				logger.FieldTestCaseID, script.TestCaseID,
				"step", step.Name,
				"exit_code", so.ExitCode)
			return out, nil
		}
	}

	out.Duration = time.Since(start)
	return out, nil
}
