package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/results"
)

func newShell(t *testing.T) *CommandRunner {
	t.Helper()
	r, err := NewShellRunner("sh", t.TempDir(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return r
}

func run(t *testing.T, r Runner, command string) (*Outcome, error) {
	t.Helper()
	return r.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindShell, Command: command}, Invocation{Environment: "staging"})
}

func TestShellRunnerClassifiesExitCodes(t *testing.T) {
	r := newShell(t)

	tests := []struct {
		command  string
		expected results.Outcome
		exitCode int
	}{
		{"exit 0", results.Pass, 0},
		{"exit 3", results.Fail, 3},
		{"exit 77", results.Skip, 77},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, err := run(t, r, tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out.Result)
			assert.Equal(t, tt.exitCode, out.ExitCode)
		})
	}
}

func TestShellRunnerCapturesOutputAndEnv(t *testing.T) {
	r := newShell(t)

	out, err := r.Run(context.Background(), &Script{
		TestCaseID: 12,
		Kind:       KindShell,
		Command:    `echo "$TESTPULSE_TEST_CASE_ID $TESTPULSE_ENVIRONMENT $GREETING"; echo oops >&2`,
		Env:        map[string]string{"GREETING": "hi"},
	}, Invocation{Environment: "staging", Params: map[string]interface{}{"browser": "firefox"}})
	require.NoError(t, err)
	assert.Equal(t, results.Pass, out.Result)
	assert.Contains(t, out.Output, "12 staging hi")
	assert.Contains(t, out.Output, "oops")
}

func TestShellRunnerTimeoutKills(t *testing.T) {
	r := newShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := r.Run(ctx, &Script{TestCaseID: 1, Kind: KindShell, Command: "sleep 10"}, Invocation{})
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	require.NotNil(t, out)
	assert.Equal(t, results.Fail, out.Result)
	assert.Contains(t, out.Message, "timed out")
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestShellRunnerInterruptsBeforeKill(t *testing.T) {
	r := newShell(t)
	marker := filepath.Join(t.TempDir(), "interrupted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	script := &Script{
		TestCaseID: 1,
		Kind:       KindShell,
		Command:    "trap 'touch " + marker + "; exit 0' INT; while :; do sleep 0.1; done",
	}
	out, err := r.Run(ctx, script, Invocation{KillGrace: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err), "deadline still counts as a timeout")
	assert.Equal(t, results.Fail, out.Result)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "script saw the interrupt and cleaned up")
}

func TestShellRunnerTimeoutKillsSpawnedProcesses(t *testing.T) {
	r := newShell(t)
	marker := filepath.Join(t.TempDir(), "survivor")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	script := &Script{TestCaseID: 1, Kind: KindShell, Command: "sh -c 'sleep 1; touch " + marker + "'"}
	started := time.Now()
	out, err := r.Run(ctx, script, Invocation{})
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Equal(t, results.Fail, out.Result)
	assert.Less(t, time.Since(started), time.Second, "Run does not wait on the nested process")

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "nested process was killed with the script")
}

func TestShellRunnerKillsAtHardDeadline(t *testing.T) {
	r := newShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	script := &Script{TestCaseID: 1, Kind: KindShell, Command: "trap '' INT; sleep 5"}
	started := time.Now()
	out, err := r.Run(ctx, script, Invocation{KillGrace: 2 * time.Second})
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Equal(t, results.Fail, out.Result)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "interrupt was ignored so the kill waits for the deadline")
	assert.Less(t, elapsed, 1800*time.Millisecond, "grace never pushes the kill past the deadline")
}

func TestSoftDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hard, _ := ctx.Deadline()

	soft, stop, grace := softDeadline(ctx, 2*time.Second)
	defer stop()
	assert.Equal(t, 2*time.Second, grace)
	d, ok := soft.Deadline()
	require.True(t, ok)
	assert.Equal(t, hard.Add(-2*time.Second), d)

	_, stop2, grace := softDeadline(ctx, time.Minute)
	defer stop2()
	assert.LessOrEqual(t, grace, 5*time.Second, "grace is capped at half the time left")
	assert.Greater(t, grace, 4*time.Second)

	same, stop3, grace := softDeadline(context.Background(), time.Second)
	defer stop3()
	assert.Equal(t, context.Background(), same, "no deadline keeps the parent")
	assert.Equal(t, time.Second, grace)

	_, stop4, grace := softDeadline(ctx, 0)
	defer stop4()
	assert.Zero(t, grace)
}

func TestShellRunnerRejectsEmptyCommand(t *testing.T) {
	_, err := run(t, newShell(t), "  ")
	assert.True(t, errors.IsValidationError(err))
}

func TestCommandRunnerStartFailure(t *testing.T) {
	r, err := NewCommandRunner(KindK6, "definitely-not-a-real-binary-xyz {script}", "", nil)
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindK6, Command: "load.js"}, Invocation{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestCommandRunnerTemplate(t *testing.T) {
	_, err := NewCommandRunner(KindK6, `k6 run "unterminated`, "", nil)
	assert.True(t, errors.IsValidationError(err))

	r, err := NewCommandRunner(KindK6, "k6 run --quiet {script}", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"k6", "run", "--quiet", "tests/load test.js"}, r.expand("tests/load test.js"))
}

func TestStepRunner(t *testing.T) {
	steps := NewStepRunner(newShell(t), nil)

	t.Run("all pass", func(t *testing.T) {
		out, err := steps.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindSteps, Steps: []Step{
			{Name: "open", Command: "true"},
			{Name: "login", Command: "exit 0"},
		}}, Invocation{})
		require.NoError(t, err)
		assert.Equal(t, results.Pass, out.Result)
		assert.Len(t, out.Steps, 2)
	})

	t.Run("first failure stops", func(t *testing.T) {
		out, err := steps.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindSteps, Steps: []Step{
			{Name: "open", Command: "true"},
			{Name: "login", Command: "exit 4"},
			{Name: "never", Command: "true"},
		}}, Invocation{})
		require.NoError(t, err)
		assert.Equal(t, results.Fail, out.Result)
		assert.Len(t, out.Steps, 2)
		assert.Contains(t, out.Message, `"login"`)
	})

	t.Run("all skipped", func(t *testing.T) {
		out, err := steps.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindSteps, Steps: []Step{
			{Name: "open", Skip: true},
		}}, Invocation{})
		require.NoError(t, err)
		assert.Equal(t, results.Skip, out.Result)
	})

	t.Run("no steps", func(t *testing.T) {
		_, err := steps.Run(context.Background(), &Script{TestCaseID: 1, Kind: KindSteps}, Invocation{})
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestRegistry(t *testing.T) {
	reg, err := NewDefaultRegistry("sh", "", nil)
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindK6, KindPlaywright, KindSelenium, KindShell, KindSteps}, reg.Kinds())
	assert.True(t, reg.Has(KindShell))
	assert.Nil(t, reg.Get("cypress"))

	assert.Panics(t, func() { reg.Register(newShell(t)) })
}

const yamlManifest = `
test_cases:
  - id: 1
    name: login
    kind: shell
    command: ./login.sh
    timeout_seconds: 30
    env:
      BASE_URL: http://localhost
  - id: 2
    name: checkout
    kind: steps
    steps:
      - name: add to cart
        command: ./cart.sh
      - name: pay
        command: ./pay.sh
        skip: true
`

const tomlManifest = `
[[test_cases]]
id = 7
name = "load"
kind = "k6"
command = "load.js"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(yamlManifest), "yaml")
	require.NoError(t, err)
	require.Len(t, m.TestCases, 2)
	assert.Equal(t, 30*time.Second, m.TestCases[0].Timeout())
	assert.Equal(t, "http://localhost", m.TestCases[0].Env["BASE_URL"])
	assert.True(t, m.TestCases[1].Steps[1].Skip)

	m, err = ParseManifest([]byte(tomlManifest), "toml")
	require.NoError(t, err)
	require.Len(t, m.TestCases, 1)
	assert.Equal(t, KindK6, m.TestCases[0].Kind)
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"duplicate id", "test_cases:\n  - {id: 1, kind: shell, command: a}\n  - {id: 1, kind: shell, command: b}\n"},
		{"missing command", "test_cases:\n  - {id: 1, kind: shell}\n"},
		{"steps without steps", "test_cases:\n  - {id: 1, kind: steps}\n"},
		{"missing kind", "test_cases:\n  - {id: 1, command: a}\n"},
		{"bad id", "test_cases:\n  - {id: 0, kind: shell, command: a}\n"},
		{"unnamed step", "test_cases:\n  - {id: 1, kind: steps, steps: [{command: a}]}\n"},
		{"bad constraint", "requires: \">=> 1\"\ntest_cases:\n  - {id: 1, kind: shell, command: a}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data), "yaml")
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}

	_, err := ParseManifest([]byte("{}"), "json")
	assert.True(t, errors.IsValidationError(err))
}

func TestManifestResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testcases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0644))

	r, err := NewManifestResolver(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, r.IDs())

	s, err := r.Resolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "./login.sh", s.Command)

	_, err = r.Resolve(context.Background(), 99)
	assert.True(t, errors.IsNotFoundError(err))

	// A broken rewrite keeps the previous contents.
	require.NoError(t, os.WriteFile(path, []byte("test_cases: [ {"), 0644))
	require.Error(t, r.Reload())
	_, err = r.Resolve(context.Background(), 2)
	assert.NoError(t, err)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{3: {TestCaseID: 3, Kind: KindShell, Command: "true"}}

	s, err := r.Resolve(context.Background(), 3)
	require.NoError(t, err)
	s.Command = "false"

	again, err := r.Resolve(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "true", again.Command, "callers get a copy")
}
