package testrun

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/gate"
	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/logger"
)

// Policy controls how unmet dependencies filter a run
type Policy struct {
	// Cascade skips every test case that depends on a skipped one inside
	// the same run, whatever the edge type.
	Cascade bool `json:"cascade"`
	// Force dispatches test cases whose conditions are unmet.
	Force bool `json:"force"`
}

// DefaultPolicy skips unmet test cases and their dependents
func DefaultPolicy() Policy {
	return Policy{Cascade: true}
}

// Graph is the dependency structure a plan is ordered by
type Graph interface {
	Order(ctx context.Context, ids []int64) (*graph.Ordering, error)
	Adjacency(ctx context.Context, ids []int64) (*graph.Adjacency, error)
}

// Gate evaluates dependency conditions
type Gate interface {
	CanExecute(ctx context.Context, testCaseID int64) (*gate.Verdict, error)
}

// Step is one test case of a plan
type Step struct {
	TestCaseID int64         `json:"test_case_id"`
	Verdict    *gate.Verdict `json:"verdict"`
	Eligible   bool          `json:"eligible"`
	Reason     string        `json:"reason,omitempty"`
	SkippedBy  []int64       `json:"skipped_by,omitempty"` // skipped dependencies that cascaded
}

// Plan is an ordered, filtered set of test cases
type Plan struct {
	Steps     []Step  `json:"steps"`
	Remainder []int64 `json:"remainder,omitempty"` // ids left on a dependency cycle
}

// Order returns every planned id in execution order
func (p *Plan) Order() []int64 {
	out := make([]int64, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.TestCaseID
	}
	return out
}

// Eligible returns the ids that would be dispatched, in order
func (p *Plan) Eligible() []int64 {
	var out []int64
	for _, s := range p.Steps {
		if s.Eligible {
			out = append(out, s.TestCaseID)
		}
	}
	return out
}

// Planner orders test cases and filters them by their dependency conditions
type Planner struct {
	graph  Graph
	gate   Gate
	logger *zap.SugaredLogger
}

// NewPlanner creates a planner
func NewPlanner(g Graph, gt Gate, log *zap.SugaredLogger) *Planner {
	return &Planner{graph: g, gate: gt, logger: log.Named("planner")}
}

// Plan orders ids topologically and evaluates each against current history.
// A cycle among the ids is reported in Remainder, never as an error.
func (p *Planner) Plan(ctx context.Context, ids []int64, policy Policy) (*Plan, error) {
	ordering, c, err := p.prepare(ctx, ids, policy)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Remainder: ordering.Remainder}
	for _, id := range ordering.Order {
		verdict, err := p.gate.CanExecute(ctx, id)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, c.decide(id, verdict))
	}

	p.logger.Debugw("Planned run",
		logger.FieldCount, len(plan.Steps),
		"eligible", len(plan.Eligible()),
		"cascade", policy.Cascade,
		"force", policy.Force)
	return plan, nil
}

func (p *Planner) prepare(ctx context.Context, ids []int64, policy Policy) (*graph.Ordering, *cascade, error) {
	ordering, err := p.graph.Order(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	adj, err := p.graph.Adjacency(ctx, ordering.Order)
	if err != nil {
		return nil, nil, err
	}
	return ordering, newCascade(policy, adj), nil
}

// cascade tracks which ids of a run were skipped
type cascade struct {
	policy  Policy
	skipped map[int64]bool
	adj     *graph.Adjacency
}

func newCascade(policy Policy, adj *graph.Adjacency) *cascade {
	return &cascade{policy: policy, skipped: make(map[int64]bool), adj: adj}
}

// decide applies the policy to one verdict and records a skip
func (c *cascade) decide(id int64, v *gate.Verdict) Step {
	step := Step{TestCaseID: id, Verdict: v, Eligible: true}

	if c.policy.Cascade {
		for _, dep := range c.adj.DependsOn[id] {
			if c.skipped[dep] {
				step.SkippedBy = append(step.SkippedBy, dep)
			}
		}
	}

	switch {
	case len(step.SkippedBy) > 0:
		step.Eligible = false
		step.Reason = fmt.Sprintf("dependency %v skipped in this run", step.SkippedBy)
	case !v.CanExecute && !c.policy.Force:
		step.Eligible = false
		step.Reason = "conditions not met"
		if reasons := v.Reasons(); len(reasons) > 0 {
			step.Reason = strings.Join(reasons, "; ")
		}
	}

	if !step.Eligible {
		c.skipped[id] = true
	}
	return step
}

// skip marks id as skipped after the fact, e.g. when its dispatch failed
func (c *cascade) skip(id int64) {
	c.skipped[id] = true
}
