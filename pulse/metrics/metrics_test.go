package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(tasksFinished.WithLabelValues("single", "failure"))
	TaskFinished("single", "failure")
	assert.Equal(t, before+1, testutil.ToFloat64(tasksFinished.WithLabelValues("single", "failure")))

	before = testutil.ToFloat64(executionResults.WithLabelValues("Pass"))
	ExecutionFinished("Pass", 1500*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(executionResults.WithLabelValues("Pass")))

	SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(queueDepth))

	before = testutil.ToFloat64(workersLost)
	WorkerLost()
	assert.Equal(t, before+1, testutil.ToFloat64(workersLost))
}
