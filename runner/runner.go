// Package runner executes test scripts.
//
// A Resolver turns a test case id into a Script; the Registry routes the
// script to the Runner registered for its Kind.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teranos/testpulse/results"
)

// Kind names the tool a script is executed with.
type Kind string

const (
	KindShell      Kind = "shell"
	KindPlaywright Kind = "playwright"
	KindK6         Kind = "k6"
	KindSelenium   Kind = "selenium"
	KindSteps      Kind = "steps"
)

// Script is everything needed to execute one test case.
type Script struct {
	TestCaseID int64             `json:"test_case_id" yaml:"id" toml:"id" validate:"gt=0"`
	Name       string            `json:"name" yaml:"name" toml:"name"`
	Kind       Kind              `json:"kind" yaml:"kind" toml:"kind" validate:"required"`
	Command    string            `json:"command,omitempty" yaml:"command" toml:"command"`
	Steps      []Step            `json:"steps,omitempty" yaml:"steps" toml:"steps" validate:"dive"`
	Env        map[string]string `json:"env,omitempty" yaml:"env" toml:"env"`
	Workdir    string            `json:"workdir,omitempty" yaml:"workdir" toml:"workdir"`

	// TimeoutSeconds overrides the dispatcher default when > 0.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" toml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the script's own timeout, or 0 for the default.
func (s *Script) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Step is one command of a structured test.
type Step struct {
	Name    string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Command string `json:"command" yaml:"command" toml:"command"`
	Skip    bool   `json:"skip,omitempty" yaml:"skip" toml:"skip"`
}

// Invocation is the per-execution context handed to a runner.
type Invocation struct {
	TaskID      string
	Environment string
	Params      map[string]interface{}
	KillGrace   time.Duration // interrupt on deadline, hard kill this much later (0 = kill at once)
}

// StepOutcome records what happened to one step.
type StepOutcome struct {
	Name     string          `json:"name"`
	Result   results.Outcome `json:"result"`
	ExitCode int             `json:"exit_code"`
	Duration time.Duration   `json:"duration"`
}

// Outcome is the classified result of running a script.
type Outcome struct {
	Result    results.Outcome `json:"result"`
	ExitCode  int             `json:"exit_code"`
	Output    string          `json:"output,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Message   string          `json:"message,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Steps     []StepOutcome   `json:"steps,omitempty"`
}

// Runner executes scripts of one Kind.
//
// A failing test is a non-nil Outcome with Result Fail and a nil error. The
// error return is for scripts that could not be run at all, and for timeouts
// (wrapping errors.ErrTimeout, with the partial Outcome still returned).
type Runner interface {
	Kind() Kind
	Run(ctx context.Context, script *Script, inv Invocation) (*Outcome, error)
}

// Registry manages runners by kind.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	runners map[Kind]Runner
	mu      sync.RWMutex
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[Kind]Runner)}
}

// Register adds a runner under its kind.
// Panics if a runner is already registered for that kind.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := runner.Kind()
	if _, exists := r.runners[kind]; exists {
		panic(fmt.Sprintf("runner already registered for kind: %s", kind))
	}
	r.runners[kind] = runner
}

// Get retrieves the runner for a kind, or nil.
func (r *Registry) Get(kind Kind) Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[kind]
}

// Has checks if a runner is registered for kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[kind]
	return ok
}

// Kinds returns registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
