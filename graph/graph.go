package graph

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

// Graph is the dependency graph service. Writes hold a single global lock so
// the cycle check and the insert are atomic relative to other writers; reads
// share the lock and never observe a half-applied write.
type Graph struct {
	store  *Store
	mu     sync.RWMutex
	cache  *orderCache
	flight singleflight.Group // concurrent misses for one id set share a computation
	logger *zap.SugaredLogger
}

// New creates a graph service over db.
func New(db *sql.DB, log *zap.SugaredLogger) *Graph {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Graph{
		store:  NewStore(db),
		cache:  newOrderCache(),
		logger: logger.AddGraphSymbol(log.Named("graph")),
	}
}

// Store exposes the underlying edge store.
func (g *Graph) Store() *Store {
	return g.store
}

// AddEdge validates and stores a new dependency.
func (g *Graph) AddEdge(ctx context.Context, in EdgeInput) (*Edge, error) {
	if in.Condition.Empty() {
		in.Condition = nil
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cyclic, err := reaches(ctx, in.DependsOnID, in.TestCaseID, g.store.DependsOn)
	if err != nil {
		return nil, errors.Wrap(err, "cycle check failed")
	}
	if cyclic {
		g.logger.Infow("Rejected dependency that would create a cycle",
			logger.FieldTestCaseID, in.TestCaseID,
			logger.FieldDependsOnID, in.DependsOnID)
		return nil, newCycleError(in.TestCaseID, in.DependsOnID)
	}

	existing, err := g.store.ActivePair(ctx, in.TestCaseID, in.DependsOnID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.WithDetailf(
			errors.NewConflictError("dependency %d -> %d already exists", in.TestCaseID, in.DependsOnID),
			"existing edge id: %d", existing.ID)
	}

	e := &Edge{
		TestCaseID:  in.TestCaseID,
		DependsOnID: in.DependsOnID,
		Type:        in.Type,
		Condition:   in.Condition,
		Priority:    in.Priority,
	}
	if err := g.store.Insert(ctx, e); err != nil {
		return nil, err
	}

	g.cache.invalidate(e.TestCaseID, e.DependsOnID)
	g.logger.Debugw("Dependency added",
		logger.FieldEdgeID, e.ID,
		logger.FieldTestCaseID, e.TestCaseID,
		logger.FieldDependsOnID, e.DependsOnID,
		"type", e.Type)
	return e, nil
}

// RemoveEdge hard-deletes an edge.
func (g *Graph) RemoveEdge(ctx context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := g.store.Delete(ctx, id); err != nil {
		return err
	}

	g.cache.invalidate(e.TestCaseID, e.DependsOnID)
	g.logger.Debugw("Dependency removed", logger.FieldEdgeID, id)
	return nil
}

// DisableEdge soft-disables an edge. Disabling a disabled edge is a no-op.
func (g *Graph) DisableEdge(ctx context.Context, id int64) (*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Enabled {
		return e, nil
	}
	if err := g.store.SetEnabled(ctx, id, false); err != nil {
		return nil, err
	}

	g.cache.invalidate(e.TestCaseID, e.DependsOnID)
	return g.store.Get(ctx, id)
}

// EnableEdge re-enables an edge after re-running the cycle and duplicate checks.
func (g *Graph) EnableEdge(ctx context.Context, id int64) (*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Enabled {
		return e, nil
	}

	cyclic, err := reaches(ctx, e.DependsOnID, e.TestCaseID, g.store.DependsOn)
	if err != nil {
		return nil, errors.Wrap(err, "cycle check failed")
	}
	if cyclic {
		return nil, newCycleError(e.TestCaseID, e.DependsOnID)
	}

	existing, err := g.store.ActivePair(ctx, e.TestCaseID, e.DependsOnID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.NewConflictError("dependency %d -> %d is already enabled as edge %d",
			e.TestCaseID, e.DependsOnID, existing.ID)
	}

	if err := g.store.SetEnabled(ctx, id, true); err != nil {
		return nil, err
	}

	g.cache.invalidate(e.TestCaseID, e.DependsOnID)
	return g.store.Get(ctx, id)
}

// GetEdge returns one edge.
func (g *Graph) GetEdge(ctx context.Context, id int64) (*Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.Get(ctx, id)
}

// ListEdges returns edges matching f, ordered by ascending priority then id.
func (g *Graph) ListEdges(ctx context.Context, f EdgeFilter) ([]*Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.List(ctx, f)
}

// WouldCreateCycle reports whether adding testCaseID -> dependsOnID would
// close a cycle among enabled edges.
func (g *Graph) WouldCreateCycle(ctx context.Context, testCaseID, dependsOnID int64) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return reaches(ctx, dependsOnID, testCaseID, g.store.DependsOn)
}

// Adjacency is the enabled edge structure around a set of test cases.
type Adjacency struct {
	// DependsOn maps a test case to the test cases it depends on.
	DependsOn map[int64][]int64 `json:"depends_on"`
	// Dependents maps a test case to the test cases depending on it.
	Dependents map[int64][]int64 `json:"dependents"`
}

// Adjacency returns forward and reverse maps over enabled edges touching ids.
func (g *Graph) Adjacency(ctx context.Context, ids []int64) (*Adjacency, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges, err := g.store.Among(ctx, dedupe(ids), false)
	if err != nil {
		return nil, err
	}

	adj := &Adjacency{
		DependsOn:  make(map[int64][]int64),
		Dependents: make(map[int64][]int64),
	}
	for _, e := range edges {
		adj.DependsOn[e.TestCaseID] = append(adj.DependsOn[e.TestCaseID], e.DependsOnID)
		adj.Dependents[e.DependsOnID] = append(adj.Dependents[e.DependsOnID], e.TestCaseID)
	}
	for k, v := range adj.DependsOn {
		adj.DependsOn[k] = sortedCopy(v)
	}
	for k, v := range adj.Dependents {
		adj.Dependents[k] = sortedCopy(v)
	}
	return adj, nil
}

// Ordering is a computed execution order.
type Ordering struct {
	// Order holds every input id exactly once.
	Order []int64 `json:"order"`
	// Remainder holds ids left on a cycle, appended to Order in input order.
	Remainder []int64 `json:"remainder,omitempty"`
}

// Warning returns a data integrity error when the induced subgraph had a cycle.
func (o *Ordering) Warning() error {
	if len(o.Remainder) == 0 {
		return nil
	}
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrDataIntegrity, "cycle among enabled dependencies of %d test cases", len(o.Remainder)),
		"remainder: %v", o.Remainder)
}

// ComputeOrder returns ids in dependency order: dependencies precede dependents.
func (g *Graph) ComputeOrder(ctx context.Context, ids []int64) ([]int64, error) {
	o, err := g.Order(ctx, ids)
	if err != nil {
		return nil, err
	}
	return o.Order, nil
}

// Order is ComputeOrder with the cyclic remainder reported separately.
func (g *Graph) Order(ctx context.Context, ids []int64) (*Ordering, error) {
	input := dedupe(ids)
	if len(input) == 0 {
		return &Ordering{Order: []int64{}}, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if ordered, remainder, ok := g.cache.get(input); ok {
		return &Ordering{Order: ordered, Remainder: nilIfEmpty(remainder)}, nil
	}

	v, err, _ := g.flight.Do(cacheKey(input), func() (interface{}, error) {
		edges, err := g.store.Among(ctx, input, true)
		if err != nil {
			return nil, err
		}

		ordered, remainder := order(input, edges)
		result := &Ordering{Order: ordered, Remainder: remainder}
		if w := result.Warning(); w != nil {
			g.logger.Warnw("DataIntegrityWarning: cycle detected among enabled dependencies",
				logger.FieldError, w.Error(),
				"remainder", remainder,
				logger.FieldCount, len(remainder))
		}

		g.cache.put(input, ordered, remainder)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.(*Ordering)
	return &Ordering{
		Order:     append([]int64(nil), shared.Order...),
		Remainder: nilIfEmpty(append([]int64(nil), shared.Remainder...)),
	}, nil
}

func nilIfEmpty(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
