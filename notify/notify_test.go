package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/testpulse/errors"
)

type recorder struct {
	results []ResultEvent
	batches []BatchEvent
	err     error
}

func (r *recorder) NotifyResult(_ context.Context, ev ResultEvent) error {
	r.results = append(r.results, ev)
	return r.err
}

func (r *recorder) NotifyBatch(_ context.Context, ev BatchEvent) error {
	r.batches = append(r.batches, ev)
	return r.err
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLogNotifier(zap.New(core).Sugar())

	require.NoError(t, n.NotifyResult(context.Background(), ResultEvent{
		TaskID: "t1", TestCaseID: 4, Result: "Fail", Duration: 2 * time.Second, Message: "exit code 1", ScheduleID: "s1",
	}))
	require.NoError(t, n.NotifyBatch(context.Background(), BatchEvent{TaskID: "b1", Total: 3, Passed: 2, Failed: 1}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Fail", entries[0].ContextMap()["result"])
	assert.Equal(t, "s1", entries[0].ContextMap()["schedule_id"])
	assert.Equal(t, int64(2000), entries[0].ContextMap()["duration_ms"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["total_count"])
}

func TestMultiAttemptsEveryNotifier(t *testing.T) {
	failing := &recorder{err: errors.New("webhook down")}
	ok := &recorder{}
	m := Multi{failing, ok, Noop{}}

	err := m.NotifyResult(context.Background(), ResultEvent{TaskID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook down")
	assert.Len(t, ok.results, 1, "later notifiers still run")

	require.Error(t, m.NotifyBatch(context.Background(), BatchEvent{TaskID: "b"}))
	assert.Len(t, ok.batches, 1)

	assert.NoError(t, Multi{ok}.NotifyResult(context.Background(), ResultEvent{}))
}
