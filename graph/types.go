// Package graph stores the test dependency graph and computes execution order.
//
// An edge (A, B) means "test case A depends on test case B": B must be
// evaluated before A. The enabled edges always form a DAG.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/results"
)

var validate = validator.New()

// DependencyType classifies how an unmet dependency affects its dependent.
type DependencyType string

const (
	Required DependencyType = "required"
	Optional DependencyType = "optional"
	Blocking DependencyType = "blocking"
)

// Valid reports whether t is a known dependency type.
func (t DependencyType) Valid() bool {
	return t == Required || t == Optional || t == Blocking
}

// ConditionKind selects which check a Condition performs.
type ConditionKind string

const (
	ResultEquals ConditionKind = "result_equals"
	StatusEquals ConditionKind = "status_equals"
	MinPassRate  ConditionKind = "min_pass_rate"
)

// Condition is the predicate an edge requires of its dependency's history.
// Exactly one variant is populated, selected by Kind.
type Condition struct {
	Kind   ConditionKind   `json:"kind" validate:"required,oneof=result_equals status_equals min_pass_rate"`
	Result results.Outcome `json:"result,omitempty" validate:"omitempty,oneof=Pass Fail Skip Error"`
	Status results.Status  `json:"status,omitempty" validate:"omitempty,oneof=running completed"`

	// MinPassRate fields. RecentCount 0 means the evaluator default.
	MinPassRate float64 `json:"min_pass_rate,omitempty" validate:"gte=0,lte=1"`
	RecentCount int     `json:"recent_count,omitempty" validate:"gte=0"`
}

// ResultIs builds a result_equals condition.
func ResultIs(o results.Outcome) *Condition {
	return &Condition{Kind: ResultEquals, Result: o}
}

// StatusIs builds a status_equals condition.
func StatusIs(s results.Status) *Condition {
	return &Condition{Kind: StatusEquals, Status: s}
}

// PassRateAtLeast builds a min_pass_rate condition over the most recent n results.
func PassRateAtLeast(rate float64, n int) *Condition {
	return &Condition{Kind: MinPassRate, MinPassRate: rate, RecentCount: n}
}

// Empty reports whether c carries no predicate at all. An empty condition,
// like an absent one, is satisfied by the edge existing.
func (c *Condition) Empty() bool {
	return c == nil || *c == Condition{}
}

// Validate checks the condition is a single well-formed variant.
func (c *Condition) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapValidation(err, "invalid condition")
	}
	switch c.Kind {
	case ResultEquals:
		if c.Result == "" {
			return errors.NewValidationError("result_equals condition needs a result")
		}
		if c.Status != "" || c.MinPassRate != 0 || c.RecentCount != 0 {
			return errors.NewValidationError("result_equals condition carries fields of another kind")
		}
	case StatusEquals:
		if c.Status == "" {
			return errors.NewValidationError("status_equals condition needs a status")
		}
		if c.Result != "" || c.MinPassRate != 0 || c.RecentCount != 0 {
			return errors.NewValidationError("status_equals condition carries fields of another kind")
		}
	case MinPassRate:
		if c.Result != "" || c.Status != "" {
			return errors.NewValidationError("min_pass_rate condition carries fields of another kind")
		}
	}
	return nil
}

// String renders the condition for logs and tables.
func (c *Condition) String() string {
	if c == nil {
		return "-"
	}
	switch c.Kind {
	case ResultEquals:
		return fmt.Sprintf("result=%s", c.Result)
	case StatusEquals:
		return fmt.Sprintf("status=%s", c.Status)
	case MinPassRate:
		if c.RecentCount > 0 {
			return fmt.Sprintf("pass_rate>=%.2f/%d", c.MinPassRate, c.RecentCount)
		}
		return fmt.Sprintf("pass_rate>=%.2f", c.MinPassRate)
	}
	return string(c.Kind)
}

// UnmarshalJSON accepts the tagged form and the untagged shorthand
// {"result": "Pass"}, {"status": "completed"}, {"min_pass_rate": 0.8}.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Kind == "" {
		switch {
		case p.Result != "":
			p.Kind = ResultEquals
		case p.Status != "":
			p.Kind = StatusEquals
		case p.MinPassRate != 0 || p.RecentCount != 0:
			p.Kind = MinPassRate
		}
	}
	*c = Condition(p)
	return nil
}

// ParseCondition decodes a JSON condition. Empty input, null and {} yield nil.
func ParseCondition(s string) (*Condition, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, errors.WrapValidation(err, "condition is not valid JSON")
	}
	if c.Empty() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Edge is one stored dependency.
type Edge struct {
	ID          int64          `json:"id"`
	TestCaseID  int64          `json:"test_case_id"`
	DependsOnID int64          `json:"depends_on_test_case_id"`
	Type        DependencyType `json:"dependency_type"`
	Condition   *Condition     `json:"condition,omitempty"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EdgeInput is the caller-supplied part of a new edge.
type EdgeInput struct {
	TestCaseID  int64          `json:"test_case_id" validate:"gt=0"`
	DependsOnID int64          `json:"depends_on_test_case_id" validate:"gt=0"`
	Type        DependencyType `json:"dependency_type" validate:"required,oneof=required optional blocking"`
	Condition   *Condition     `json:"condition,omitempty"`
	Priority    int            `json:"priority"`
}

// Validate checks the input in isolation; graph-level checks happen in AddEdge.
func (in *EdgeInput) Validate() error {
	if in.TestCaseID == in.DependsOnID {
		return errors.NewValidationError("test case %d cannot depend on itself", in.TestCaseID)
	}
	if err := validate.Struct(in); err != nil {
		return errors.WrapValidation(err, "invalid dependency")
	}
	if !in.Condition.Empty() {
		if err := in.Condition.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EdgeFilter narrows ListEdges. Zero values match everything; disabled edges
// are only returned with IncludeDisabled.
type EdgeFilter struct {
	TestCaseID      int64
	DependsOnID     int64
	IncludeDisabled bool
}

// CycleError reports that adding TestCaseID -> DependsOnID would close a cycle.
type CycleError struct {
	TestCaseID  int64
	DependsOnID int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %d -> %d would create a cycle", e.TestCaseID, e.DependsOnID)
}

// Is makes errors.Is(err, errors.ErrCycle) hold.
func (e *CycleError) Is(target error) bool {
	return target == errors.ErrCycle
}

func newCycleError(testCaseID, dependsOnID int64) error {
	return errors.WithStack(errors.Mark(&CycleError{TestCaseID: testCaseID, DependsOnID: dependsOnID}, errors.ErrCycle))
}
