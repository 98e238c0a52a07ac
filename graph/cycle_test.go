package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
)

func TestWouldCreateCycle(t *testing.T) {
	// 1 -> 2 -> 3, 4 isolated
	forward := map[int64][]int64{
		1: {2},
		2: {3},
	}

	tests := []struct {
		name        string
		testCase    int64
		dependsOn   int64
		expectCycle bool
	}{
		{"direct reverse", 2, 1, true},
		{"transitive reverse", 3, 1, true},
		{"same direction", 1, 3, false},
		{"unrelated", 4, 1, false},
		{"self", 5, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectCycle, wouldCreateCycle(forward, tt.testCase, tt.dependsOn))
		})
	}
}

func TestWouldCreateCycleTerminatesOnCorruptedGraph(t *testing.T) {
	// A pre-existing cycle 1 -> 2 -> 3 -> 1 must not loop forever.
	forward := map[int64][]int64{
		1: {2},
		2: {3},
		3: {1},
	}
	assert.False(t, wouldCreateCycle(forward, 9, 1))
	assert.True(t, wouldCreateCycle(forward, 3, 1))
}

func TestReachesPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := func(context.Context, int64) ([]int64, error) { return nil, boom }

	_, err := reaches(context.Background(), 1, 2, failing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestReachesHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reaches(ctx, 1, 2, mapNeighbors(map[int64][]int64{1: {3}}))
	assert.ErrorIs(t, err, context.Canceled)
}
