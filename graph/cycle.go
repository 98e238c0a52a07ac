package graph

import "context"

// NeighborFunc returns the direct dependencies of a test case.
type NeighborFunc func(ctx context.Context, id int64) ([]int64, error)

// reaches reports whether target is reachable from start by following
// depends-on edges. Breadth-first over the reachable subgraph only.
func reaches(ctx context.Context, start, target int64, neighbors NeighborFunc) (bool, error) {
	if start == target {
		return true, nil
	}

	visited := map[int64]bool{start: true}
	queue := []int64{start}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		current := queue[0]
		queue = queue[1:]

		next, err := neighbors(ctx, current)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			if n == target {
				return true, nil
			}
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false, nil
}

// wouldCreateCycle reports whether adding testCaseID -> dependsOnID to the
// forward adjacency closes a cycle: true iff testCaseID is already reachable
// from dependsOnID.
func wouldCreateCycle(forward map[int64][]int64, testCaseID, dependsOnID int64) bool {
	found, _ := reaches(context.Background(), dependsOnID, testCaseID, mapNeighbors(forward))
	return found
}

// mapNeighbors adapts an in-memory adjacency map.
func mapNeighbors(m map[int64][]int64) NeighborFunc {
	return func(_ context.Context, id int64) ([]int64, error) {
		return m[id], nil
	}
}
