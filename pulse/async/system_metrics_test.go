package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMemoryStats(t *testing.T) {
	total, available, err := getMemoryStats()
	require.NoError(t, err)

	assert.NotZero(t, total)
	assert.LessOrEqual(t, available, total)

	t.Logf("Memory stats: total=%.2f GB, available=%.2f GB",
		float64(total)/(1024*1024*1024), float64(available)/(1024*1024*1024))
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 1, calculateSafeWorkerCount(2.5))
	assert.Equal(t, 6, calculateSafeWorkerCount(8))
	assert.Equal(t, 32, calculateSafeWorkerCount(512))
}
