package graph

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/testpulse/errors"
	tptest "github.com/teranos/testpulse/internal/testing"
)

func edge(tc, dep int64, priority int) *Edge {
	return &Edge{TestCaseID: tc, DependsOnID: dep, Type: Required, Priority: priority, Enabled: true}
}

func TestOrderChain(t *testing.T) {
	// 3 depends on 2 depends on 1
	ordered, remainder := order([]int64{3, 2, 1}, []*Edge{edge(3, 2, 0), edge(2, 1, 0)})
	assert.Equal(t, []int64{1, 2, 3}, ordered)
	assert.Empty(t, remainder)
}

func TestOrderTieBreakByPriorityThenID(t *testing.T) {
	// 4 and 5 are both roots. 5 feeds 6 with priority 1, 4 feeds 7 with priority 2.
	// 8 has no dependents and ranks last; 9 and 10 have none either and tie by id.
	edges := []*Edge{
		edge(6, 5, 1),
		edge(7, 4, 2),
	}
	ordered, _ := order([]int64{10, 9, 8, 7, 6, 5, 4}, edges)

	assert.Equal(t, int64(5), ordered[0])
	// After 5 is popped, 6 becomes ready with no outgoing edges; 4 still ranks at 2.
	assert.Equal(t, int64(4), ordered[1])
	assert.Equal(t, []int64{6, 7, 8, 9, 10}, ordered[2:])
}

func TestOrderUsesMinimumOutgoingPriority(t *testing.T) {
	edges := []*Edge{
		edge(10, 1, 9),
		edge(11, 1, 0), // 1's rank is 0
		edge(12, 2, 3),
	}
	ordered, _ := order([]int64{2, 1, 10, 11, 12}, edges)
	assert.Equal(t, []int64{1, 2, 10, 11, 12}, ordered)
}

func TestOrderIgnoresEdgesOutsideSet(t *testing.T) {
	edges := []*Edge{edge(2, 99, 0), edge(3, 2, 0)}
	ordered, remainder := order([]int64{3, 2}, edges)
	assert.Equal(t, []int64{2, 3}, ordered)
	assert.Empty(t, remainder)
}

func TestOrderIgnoresDisabledEdges(t *testing.T) {
	disabled := edge(1, 2, 0)
	disabled.Enabled = false
	ordered, _ := order([]int64{1, 2}, []*Edge{disabled})
	assert.Equal(t, []int64{1, 2}, ordered)
}

func TestOrderCycleRemainderKeepsInputOrder(t *testing.T) {
	// 5 <-> 6 cycle, 7 depends on 6, 1 free
	edges := []*Edge{edge(5, 6, 0), edge(6, 5, 0), edge(7, 6, 0)}
	ordered, remainder := order([]int64{7, 6, 1, 5}, edges)

	assert.Equal(t, []int64{1, 7, 6, 5}, ordered)
	assert.Equal(t, []int64{7, 6, 5}, remainder)
}

func TestOrderIsTopologicalPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(30)
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = int64(i + 1)
		}

		// Edges only from higher to lower id keep the graph acyclic.
		var edges []*Edge
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.2 {
					edges = append(edges, edge(ids[i], ids[j], rng.Intn(5)))
				}
			}
		}
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		ordered, remainder := order(ids, edges)
		require.Empty(t, remainder)
		require.ElementsMatch(t, ids, ordered)

		pos := make(map[int64]int, n)
		for i, id := range ordered {
			pos[id] = i
		}
		for _, e := range edges {
			assert.Less(t, pos[e.DependsOnID], pos[e.TestCaseID],
				"dependency %d must precede %d", e.DependsOnID, e.TestCaseID)
		}
	}
}

func TestComputeOrder(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// TC3 depends on TC2, TC2 depends on TC1
	mustAdd(t, g, 3, 2, Required, 0)
	mustAdd(t, g, 2, 1, Required, 0)

	ordered, err := g.ComputeOrder(ctx, []int64{3, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ordered)

	empty, err := g.ComputeOrder(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestComputeOrderCacheInvalidation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	e := mustAdd(t, g, 1, 2, Required, 0)

	ordered, err := g.ComputeOrder(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ordered)
	assert.Equal(t, 1, g.cache.len())

	_, err = g.ComputeOrder(ctx, []int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 2, g.cache.len())

	_, err = g.DisableEdge(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, g.cache.len(), "only the set containing 1 or 2 is dropped")

	ordered, err = g.ComputeOrder(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ordered)

	mustAdd(t, g, 2, 1, Required, 0)
	ordered, err = g.ComputeOrder(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ordered)

	mustAdd(t, g, 3, 4, Required, 0)
	ordered, err = g.ComputeOrder(ctx, []int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, ordered)
}

func TestComputeOrderConcurrentCallersAgree(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	mustAdd(t, g, 3, 2, Required, 0)
	mustAdd(t, g, 2, 1, Required, 0)

	var wg sync.WaitGroup
	orders := make([][]int64, 16)
	errs := make([]error, len(orders))
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orders[i], errs[i] = g.ComputeOrder(ctx, []int64{3, 2, 1})
		}(i)
	}
	wg.Wait()

	for i := range orders {
		require.NoError(t, errs[i])
		assert.Equal(t, []int64{1, 2, 3}, orders[i])
	}
	orders[0][0] = 99
	assert.Equal(t, []int64{1, 2, 3}, orders[1], "callers never share a slice")
	assert.Equal(t, 1, g.cache.len())
}

func TestComputeOrderLogsDataIntegrityWarning(t *testing.T) {
	db := tptest.CreateTestDB(t)
	core, logs := observer.New(zapcore.WarnLevel)
	g := New(db, zap.New(core).Sugar())
	ctx := context.Background()

	// Bypass the guard to simulate a corrupted store.
	_, err := db.Exec(`
		INSERT INTO test_dependencies (test_case_id, depends_on_test_case_id, dependency_type, priority, enabled, created_at, updated_at)
		VALUES (1, 2, 'required', 0, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP),
		       (2, 1, 'required', 0, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	o, err := g.Order(ctx, []int64{2, 3, 1})
	require.NoError(t, err, "a cycle is never an error")
	assert.Equal(t, []int64{3, 2, 1}, o.Order)
	assert.Equal(t, []int64{2, 1}, o.Remainder)
	assert.True(t, errors.IsDataIntegrityWarning(o.Warning()))

	entries := logs.FilterMessageSnippet("DataIntegrityWarning").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["count"])
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, dedupe([]int64{3, 1, 3, 2, 1}))
	assert.Empty(t, dedupe(nil))
}
