package graph

import (
	"container/heap"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// order runs Kahn's algorithm over the subgraph induced by ids.
//
// Among ready nodes the one with the lowest rank goes first, where rank is the
// minimum priority over the node's outgoing edges to dependents inside the
// set; nodes without such edges rank last. Ties break by ascending ID.
//
// Nodes left on a cycle are appended in input order and returned as remainder.
func order(ids []int64, edges []*Edge) (ordered []int64, remainder []int64) {
	in := make(map[int64]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}

	inDegree := make(map[int64]int, len(ids))
	dependents := make(map[int64][]int64)
	rank := make(map[int64]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
		rank[id] = math.MaxInt
	}

	for _, e := range edges {
		if !e.Enabled || !in[e.TestCaseID] || !in[e.DependsOnID] {
			continue
		}
		inDegree[e.TestCaseID]++
		dependents[e.DependsOnID] = append(dependents[e.DependsOnID], e.TestCaseID)
		if e.Priority < rank[e.DependsOnID] {
			rank[e.DependsOnID] = e.Priority
		}
	}

	ready := &readyQueue{rank: rank}
	for _, id := range ids {
		if inDegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	ordered = make([]int64, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int64)
		ordered = append(ordered, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(ordered) == len(ids) {
		return ordered, nil
	}

	placed := make(map[int64]bool, len(ordered))
	for _, id := range ordered {
		placed[id] = true
	}
	for _, id := range ids {
		if !placed[id] {
			remainder = append(remainder, id)
		}
	}
	return append(ordered, remainder...), remainder
}

type readyQueue struct {
	ids  []int64
	rank map[int64]int
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.ids[i], q.ids[j]
	if q.rank[a] != q.rank[b] {
		return q.rank[a] < q.rank[b]
	}
	return a < b
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x interface{}) { q.ids = append(q.ids, x.(int64)) }

func (q *readyQueue) Pop() interface{} {
	n := len(q.ids)
	x := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return x
}

// dedupe drops repeated IDs keeping first occurrence.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

const maxCachedOrders = 256

// orderCache memoizes ComputeOrder per input sequence. Any edge change touching
// a member of a cached set drops that entry.
type orderCache struct {
	mu      sync.Mutex
	entries map[string]cachedOrder
}

type cachedOrder struct {
	members   map[int64]bool
	order     []int64
	remainder []int64
}

func newOrderCache() *orderCache {
	return &orderCache{entries: make(map[string]cachedOrder)}
}

// key preserves input order: the cyclic remainder depends on it.
func cacheKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (c *orderCache) get(ids []int64) ([]int64, []int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(ids)]
	if !ok {
		return nil, nil, false
	}
	return append([]int64(nil), entry.order...), append([]int64(nil), entry.remainder...), true
}

func (c *orderCache) put(ids, ordered, remainder []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCachedOrders {
		c.entries = make(map[string]cachedOrder)
	}
	members := make(map[int64]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	c.entries[cacheKey(ids)] = cachedOrder{
		members:   members,
		order:     append([]int64(nil), ordered...),
		remainder: append([]int64(nil), remainder...),
	}
}

// invalidate drops every cached set containing any of ids.
func (c *orderCache) invalidate(ids ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		for _, id := range ids {
			if entry.members[id] {
				delete(c.entries, key)
				break
			}
		}
	}
}

func (c *orderCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func sortedCopy(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
