// Package gate decides whether a test case may execute given the recorded
// history of the test cases it depends on.
package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/logger"
	"github.com/teranos/testpulse/results"
)

// DefaultRecentCount is the min_pass_rate window when neither the condition
// nor the evaluator sets one.
const DefaultRecentCount = 10

// EdgeSource lists the dependencies of a test case.
type EdgeSource interface {
	ListEdges(ctx context.Context, f graph.EdgeFilter) ([]*graph.Edge, error)
}

// History is the read side of the execution result store.
type History interface {
	Latest(ctx context.Context, testCaseID int64) (*results.Result, error)
	PassRate(ctx context.Context, testCaseID int64, n int) (float64, int, error)
}

// Unmet describes one dependency whose condition did not hold.
type Unmet struct {
	EdgeID      int64                `json:"edge_id"`
	DependsOnID int64                `json:"depends_on_test_case_id"`
	Type        graph.DependencyType `json:"dependency_type"`
	Condition   *graph.Condition     `json:"condition,omitempty"`
	Reason      string               `json:"reason"`
	Latest      *results.Result      `json:"latest,omitempty"`
	PassRate    *float64             `json:"pass_rate,omitempty"`
}

// Verdict is the outcome of evaluating every enabled dependency of a test case.
type Verdict struct {
	TestCaseID      int64   `json:"test_case_id"`
	CanExecute      bool    `json:"can_execute"`
	BlockedBy       []Unmet `json:"blocked_by"`
	MissingRequired []Unmet `json:"missing_required"`
	OptionalMissing []Unmet `json:"optional_missing"`
}

// Reasons flattens the unmet conditions that prevent execution.
func (v *Verdict) Reasons() []string {
	var out []string
	for _, u := range v.BlockedBy {
		out = append(out, fmt.Sprintf("blocked by %d: %s", u.DependsOnID, u.Reason))
	}
	for _, u := range v.MissingRequired {
		out = append(out, fmt.Sprintf("requires %d: %s", u.DependsOnID, u.Reason))
	}
	return out
}

// Evaluator checks dependency conditions against history.
type Evaluator struct {
	edges         EdgeSource
	history       History
	defaultRecent int
	logger        *zap.SugaredLogger
}

// NewEvaluator creates an evaluator. recentCount <= 0 selects DefaultRecentCount.
func NewEvaluator(edges EdgeSource, history History, recentCount int, log *zap.SugaredLogger) *Evaluator {
	if recentCount <= 0 {
		recentCount = DefaultRecentCount
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Evaluator{
		edges:         edges,
		history:       history,
		defaultRecent: recentCount,
		logger:        logger.AddGateSymbol(log.Named("gate")),
	}
}

// CanExecute evaluates every enabled edge where testCaseID is the dependent.
// Failed blocking edges go to BlockedBy, failed required edges to
// MissingRequired; both prevent execution. Failed optional edges are only
// reported in OptionalMissing.
func (e *Evaluator) CanExecute(ctx context.Context, testCaseID int64) (*Verdict, error) {
	edges, err := e.edges.ListEdges(ctx, graph.EdgeFilter{TestCaseID: testCaseID})
	if err != nil {
		return nil, err
	}

	v := &Verdict{
		TestCaseID:      testCaseID,
		BlockedBy:       []Unmet{},
		MissingRequired: []Unmet{},
		OptionalMissing: []Unmet{},
	}

	for _, edge := range edges {
		if !edge.Enabled {
			continue
		}
		ok, unmet, err := e.check(ctx, edge)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		switch edge.Type {
		case graph.Blocking:
			v.BlockedBy = append(v.BlockedBy, unmet)
		case graph.Required:
			v.MissingRequired = append(v.MissingRequired, unmet)
		default:
			v.OptionalMissing = append(v.OptionalMissing, unmet)
		}
	}

	v.CanExecute = len(v.BlockedBy) == 0 && len(v.MissingRequired) == 0

	e.logger.Debugw("Evaluated dependencies",
		logger.FieldTestCaseID, testCaseID,
		logger.FieldCount, len(edges),
		"can_execute", v.CanExecute,
		"blocked", len(v.BlockedBy),
		"missing_required", len(v.MissingRequired),
		"optional_missing", len(v.OptionalMissing))
	return v, nil
}

// CanExecuteMany evaluates each id independently.
func (e *Evaluator) CanExecuteMany(ctx context.Context, ids []int64) (map[int64]*Verdict, error) {
	out := make(map[int64]*Verdict, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		v, err := e.CanExecute(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// check evaluates one edge. An absent condition is satisfied by the edge existing.
func (e *Evaluator) check(ctx context.Context, edge *graph.Edge) (bool, Unmet, error) {
	unmet := Unmet{
		EdgeID:      edge.ID,
		DependsOnID: edge.DependsOnID,
		Type:        edge.Type,
		Condition:   edge.Condition,
	}

	c := edge.Condition
	if c == nil {
		return true, unmet, nil
	}

	switch c.Kind {
	case graph.ResultEquals:
		latest, err := e.history.Latest(ctx, edge.DependsOnID)
		if err != nil {
			return false, unmet, err
		}
		unmet.Latest = latest
		if latest == nil {
			unmet.Reason = fmt.Sprintf("no execution recorded, need %s", c.Result)
			return false, unmet, nil
		}
		if latest.Outcome != c.Result {
			unmet.Reason = fmt.Sprintf("latest result is %s, need %s", latest.Outcome, c.Result)
			return false, unmet, nil
		}
		return true, unmet, nil

	case graph.StatusEquals:
		latest, err := e.history.Latest(ctx, edge.DependsOnID)
		if err != nil {
			return false, unmet, err
		}
		unmet.Latest = latest
		if latest == nil {
			unmet.Reason = fmt.Sprintf("no execution recorded, need status %s", c.Status)
			return false, unmet, nil
		}
		if latest.Status() != c.Status {
			unmet.Reason = fmt.Sprintf("latest status is %s, need %s", latest.Status(), c.Status)
			return false, unmet, nil
		}
		return true, unmet, nil

	case graph.MinPassRate:
		n := c.RecentCount
		if n <= 0 {
			n = e.defaultRecent
		}
		rate, sample, err := e.history.PassRate(ctx, edge.DependsOnID, n)
		if err != nil {
			return false, unmet, err
		}
		unmet.PassRate = &rate
		if rate < c.MinPassRate {
			unmet.Reason = fmt.Sprintf("pass rate %.2f over %d results, need %.2f", rate, sample, c.MinPassRate)
			return false, unmet, nil
		}
		return true, unmet, nil
	}

	unmet.Reason = fmt.Sprintf("unknown condition kind %q", c.Kind)
	return false, unmet, nil
}
