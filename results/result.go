// Package results stores the append-only execution history of test cases.
package results

import "time"

// Outcome is the recorded result of one execution.
type Outcome string

const (
	Pass    Outcome = "Pass"
	Fail    Outcome = "Fail"
	Skip    Outcome = "Skip"
	Error   Outcome = "Error"
	Running Outcome = "running" // in-flight placeholder, finalized exactly once
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case Pass, Fail, Skip, Error, Running:
		return true
	}
	return false
}

// Final reports whether o is a finished outcome.
func (o Outcome) Final() bool {
	return o.Valid() && o != Running
}

// ParseOutcome accepts the canonical spelling and lower-case variants.
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "Pass", "pass", "PASS":
		return Pass, true
	case "Fail", "fail", "FAIL":
		return Fail, true
	case "Skip", "skip", "SKIP":
		return Skip, true
	case "Error", "error", "ERROR":
		return Error, true
	case "running":
		return Running, true
	}
	return "", false
}

// Status is the coarse execution state a status_equals condition checks.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Result is one row of execution history.
type Result struct {
	ID           int64         `json:"id"`
	TestCaseID   int64         `json:"test_case_id"`
	TaskID       string        `json:"task_id,omitempty"`
	Environment  string        `json:"environment,omitempty"`
	Outcome      Outcome       `json:"result"`
	ExecutedAt   time.Time     `json:"executed_at"`
	Duration     time.Duration `json:"execution_duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Cancelled    bool          `json:"cancelled,omitempty"` // interrupted by a cancel; not part of gate history
}

// Status derives the execution status from the outcome.
func (r *Result) Status() Status {
	if r.Outcome == Running {
		return StatusRunning
	}
	return StatusCompleted
}
