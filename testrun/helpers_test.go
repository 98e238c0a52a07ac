package testrun

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/testpulse/gate"
	"github.com/teranos/testpulse/graph"
	tptest "github.com/teranos/testpulse/internal/testing"
	"github.com/teranos/testpulse/notify"
	"github.com/teranos/testpulse/pulse/async"
	"github.com/teranos/testpulse/results"
	"github.com/teranos/testpulse/runner"
)

// recorder collects result notifications
type recorder struct {
	mu      sync.Mutex
	results []notify.ResultEvent
}

func (r *recorder) NotifyResult(_ context.Context, ev notify.ResultEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, ev)
	return nil
}

func (r *recorder) NotifyBatch(context.Context, notify.BatchEvent) error { return nil }

func (r *recorder) events() []notify.ResultEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.ResultEvent(nil), r.results...)
}

// harness wires the real stores, gate, executor and dispatcher over one database
type harness struct {
	db         *sql.DB
	graph      *graph.Graph
	results    *results.Store
	gate       *gate.Evaluator
	executor   *Executor
	dispatcher *async.Dispatcher
	notes      *recorder
	log        *zap.SugaredLogger
}

func shell(id int64, command string) *runner.Script {
	return &runner.Script{TestCaseID: id, Kind: runner.KindShell, Command: command}
}

func newHarness(t *testing.T, scripts runner.StaticResolver, workers int) *harness {
	t.Helper()
	db := tptest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	reg, err := runner.NewDefaultRegistry("sh", t.TempDir(), log)
	require.NoError(t, err)

	h := &harness{
		db:      db,
		graph:   graph.New(db, log),
		results: results.NewStore(db),
		notes:   &recorder{},
		log:     log,
	}
	h.gate = gate.NewEvaluator(h.graph, h.results, 0, log)
	h.executor = NewExecutor(scripts, reg, h.results, h.notes, log)

	cfg := async.DefaultWorkerPoolConfig()
	cfg.Workers = workers
	cfg.QueueCapacity = 100
	cfg.DefaultTimeout = 10 * time.Second
	cfg.SoftTimeout = 0
	cfg.ShutdownTimeout = 2 * time.Second
	h.dispatcher = async.NewDispatcher(context.Background(), db, h.executor, h.notes, cfg, log)
	if workers > 0 {
		require.NoError(t, h.dispatcher.Start())
		t.Cleanup(h.dispatcher.Stop)
	}
	return h
}

func (h *harness) planner() *Planner {
	return NewPlanner(h.graph, h.gate, h.log)
}

func (h *harness) edge(t *testing.T, tc, dependsOn int64, typ graph.DependencyType, cond *graph.Condition) {
	t.Helper()
	_, err := h.graph.AddEdge(context.Background(), graph.EdgeInput{TestCaseID: tc, DependsOnID: dependsOn, Type: typ, Condition: cond})
	require.NoError(t, err)
}

func (h *harness) record(t *testing.T, tc int64, outcomes ...results.Outcome) {
	t.Helper()
	for _, o := range outcomes {
		require.NoError(t, h.results.Record(context.Background(), &results.Result{TestCaseID: tc, Outcome: o, Environment: "staging"}))
	}
}
