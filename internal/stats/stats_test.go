package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riching/hystock/internal/observ"
)

func TestSnapshotPerSource(t *testing.T) {
	observ.ResetForTest()
	a := New()

	a.RecordAttempt("sina", true, 100*time.Millisecond)
	a.RecordAttempt("sina", true, 300*time.Millisecond)
	a.RecordAttempt("sina", false, 200*time.Millisecond)
	a.RecordAttempt("eastmoney", true, 50*time.Millisecond)
	a.AddCommitted()
	a.AddCommitted()
	a.AddNoData()
	a.AddRequeued()
	a.AddPermanentFailure()

	snap := a.Snapshot()
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "eastmoney", snap.Sources[0].Name, "sorted by name")

	sina := snap.Sources[1]
	assert.EqualValues(t, 3, sina.Attempts)
	assert.EqualValues(t, 2, sina.Successes)
	assert.InDelta(t, 2.0/3.0, sina.SuccessRate, 1e-9)
	assert.InDelta(t, 200, sina.MeanLatencyMs, 1e-9)

	assert.EqualValues(t, 2, snap.Committed)
	assert.EqualValues(t, 1, snap.NoData)
	assert.EqualValues(t, 1, snap.Requeued)
	assert.EqualValues(t, 1, snap.PermanentFailures)

	assert.EqualValues(t, 2, observ.CounterValue("source_attempts_total", map[string]string{"source": "sina", "success": "true"}))
	assert.EqualValues(t, 2, observ.CounterValue("items_committed_total", nil))
}

func TestConcurrentRecording(t *testing.T) {
	observ.ResetForTest()
	a := New()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.RecordAttempt("mock", i%2 == 0, time.Millisecond)
				a.AddCommitted()
			}
		}()
	}
	wg.Wait()

	snap := a.Snapshot()
	require.Len(t, snap.Sources, 1)
	assert.EqualValues(t, 800, snap.Sources[0].Attempts)
	assert.EqualValues(t, 400, snap.Sources[0].Successes)
	assert.EqualValues(t, 800, snap.Committed)
}

func TestRenderContainsTotals(t *testing.T) {
	a := New()
	a.RecordAttempt("yahoo", true, 10*time.Millisecond)
	a.AddCommitted()

	out := a.Snapshot().Render()
	assert.Contains(t, out, "committed=1")
	assert.Contains(t, out, "source yahoo")
}
