package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/results"
)

const (
	// SkipExitCode marks a script that decided not to run.
	SkipExitCode = 77

	// DefaultMaxOutputBytes caps captured stdout+stderr per stream.
	DefaultMaxOutputBytes = 64 * 1024

	// killGrace bounds how long Wait may block on inherited pipes after the
	// process is killed.
	killGrace = 5 * time.Second
)

// Command templates for the built-in kinds. {script} is replaced by the
// script's command as a single argument.
var defaultTemplates = map[Kind]string{
	KindPlaywright: "npx playwright test {script}",
	KindK6:         "k6 run {script}",
	KindSelenium:   "python3 {script}",
}

// NewDefaultRegistry registers the shell and step runners plus the built-in
// tool runners.
func NewDefaultRegistry(shell, workdir string, log *zap.SugaredLogger) (*Registry, error) {
	reg := NewRegistry()

	sh, err := NewShellRunner(shell, workdir, log)
	if err != nil {
		return nil, err
	}
	reg.Register(sh)
	reg.Register(NewStepRunner(sh, log))

	for _, kind := range []Kind{KindPlaywright, KindK6, KindSelenium} {
		r, err := NewCommandRunner(kind, defaultTemplates[kind], workdir, log)
		if err != nil {
			return nil, err
		}
		reg.Register(r)
	}
	return reg, nil
}

// CommandRunner runs a script by spawning a process built from a template.
type CommandRunner struct {
	kind      Kind
	template  []string
	workdir   string
	maxOutput int
	logger    *zap.SugaredLogger
}

// NewCommandRunner creates a runner for kind. template is split with shell
// quoting rules; the {script} placeholder receives Script.Command.
func NewCommandRunner(kind Kind, template, workdir string, log *zap.SugaredLogger) (*CommandRunner, error) {
	argv, err := shellquote.Split(template)
	if err != nil {
		return nil, errors.WrapValidation(err, "invalid command template")
	}
	if len(argv) == 0 {
		return nil, errors.NewValidationError("empty command template for %s", kind)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CommandRunner{
		kind:      kind,
		template:  argv,
		workdir:   workdir,
		maxOutput: DefaultMaxOutputBytes,
		logger:    log.Named("runner." + string(kind)),
	}, nil
}

// NewShellRunner runs Script.Command through shell -c.
func NewShellRunner(shell, workdir string, log *zap.SugaredLogger) (*CommandRunner, error) {
	if shell == "" {
		shell = "sh"
	}
	return NewCommandRunner(KindShell, shellquote.Join(shell, "-c")+" {script}", workdir, log)
}

// Kind implements Runner.
func (r *CommandRunner) Kind() Kind {
	return r.kind
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, script *Script, inv Invocation) (*Outcome, error) {
	if strings.TrimSpace(script.Command) == "" {
		return nil, errors.NewValidationError("test case %d has no command", script.TestCaseID)
	}

	argv := r.expand(script.Command)
	res := r.exec(ctx, argv, r.dir(script), buildEnv(script, inv), inv.KillGrace)
	if res.err != nil {
		return res.outcome, res.err
	}

	r.logger.Debugw("Script finished",
		logger.FieldTestCaseID, script.TestCaseID,
		logger.FieldTaskID, inv.TaskID,
		logger.FieldResult, res.outcome.Result,
		"exit_code", res.outcome.ExitCode,
		logger.FieldDurationMS, res.outcome.Duration.Milliseconds())
	return res.outcome, nil
}

func (r *CommandRunner) expand(command string) []string {
	argv := make([]string, len(r.template))
	for i, a := range r.template {
		argv[i] = strings.ReplaceAll(a, "{script}", command)
	}
	return argv
}

func (r *CommandRunner) dir(script *Script) string {
	if script.Workdir != "" {
		return script.Workdir
	}
	return r.workdir
}

type execResult struct {
	outcome *Outcome
	err     error
}

// exec runs argv in its own process group until it exits or ctx is done.
// ctx's deadline is the hard limit: on expiry every process in the group is
// killed and the outcome is Fail with a timeout message. With grace > 0 the
// group is interrupted grace before the hard limit, capped at half the time
// left, so scripts can clean up without overrunning it.
func (r *CommandRunner) exec(ctx context.Context, argv []string, dir string, env []string, grace time.Duration) execResult {
	procCtx, cancel, grace := softDeadline(ctx, grace)
	defer cancel()

	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	cmd.WaitDelay = killGrace
	if grace > 0 {
		cmd.Cancel = func() error { return interruptGroup(cmd.Process) }
		cmd.WaitDelay = grace
	}

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, limit: r.maxOutput}
	errW := &limitedWriter{w: &stderr, limit: r.maxOutput}
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return execResult{err: errors.Wrapf(err, "failed to start %s", argv[0])}
	}
	stop := killGroupAfter(procCtx, cmd.Process, grace)
	err := cmd.Wait()
	stop()
	if procCtx.Err() != nil {
		// Leftovers that survived the interrupt or detached from the pipes.
		_ = killGroup(cmd.Process)
	}

	out := &Outcome{
		Duration:  time.Since(start),
		Output:    joinOutput(stdout.String(), stderr.String()),
		Truncated: outW.truncated || errW.truncated,
	}

	switch {
	case errors.Is(procCtx.Err(), context.DeadlineExceeded):
		out.Result = results.Fail
		out.ExitCode = -1
		out.Message = "execution timed out after " + out.Duration.Round(time.Second).String()
		return execResult{outcome: out, err: errors.Wrapf(errors.ErrTimeout, "%s", argv[0])}
	case procCtx.Err() != nil:
		out.Result = results.Error
		out.ExitCode = -1
		out.Message = "execution cancelled"
		return execResult{outcome: out, err: errors.Wrap(context.Canceled, "execution cancelled")}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return execResult{err: errors.Wrapf(err, "failed to wait for %s", argv[0])}
		}
		out.ExitCode = exitErr.ExitCode()
	}

	out.Result = classifyExit(out.ExitCode)
	if out.Result == results.Fail {
		out.Message = "exit code " + strconv.Itoa(out.ExitCode)
	}
	return execResult{outcome: out}
}

// softDeadline returns the context whose expiry interrupts the process and
// the grace left between that interrupt and the hard kill. Without a
// deadline on ctx the interrupt follows cancellation directly.
func softDeadline(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	noop := func() {}
	if grace <= 0 {
		return ctx, noop, 0
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, noop, grace
	}
	if left := time.Until(deadline); grace > left/2 {
		grace = left / 2
	}
	if grace <= 0 {
		return ctx, noop, 0
	}
	soft, cancel := context.WithDeadline(ctx, deadline.Add(-grace))
	return soft, cancel, grace
}

// killGroupAfter kills p's process group grace after ctx is done. The
// returned func stops the watcher once the process has been reaped.
func killGroupAfter(ctx context.Context, p *os.Process, grace time.Duration) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			_ = killGroup(p)
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func classifyExit(code int) results.Outcome {
	switch code {
	case 0:
		return results.Pass
	case SkipExitCode:
		return results.Skip
	default:
		return results.Fail
	}
}

// buildEnv passes the parent environment plus the script's own variables and
// the invocation context.
func buildEnv(script *Script, inv Invocation) []string {
	env := os.Environ()
	for k, v := range script.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TESTPULSE_TEST_CASE_ID="+strconv.FormatInt(script.TestCaseID, 10),
		"TESTPULSE_ENVIRONMENT="+inv.Environment,
	)
	if inv.TaskID != "" {
		env = append(env, "TESTPULSE_TASK_ID="+inv.TaskID)
	}
	if len(inv.Params) > 0 {
		if data, err := json.Marshal(inv.Params); err == nil {
			env = append(env, "TESTPULSE_PARAMS="+string(data))
		}
	}
	return env
}

func joinOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil
	}

	n := len(p)
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	written, err := lw.w.Write(p)
	lw.written += written
	return n, err
}
