package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpMapStep, 10*time.Millisecond)
	c.RecordTiming(OpMapStep, 30*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.MapStep)
	assert.EqualValues(t, 2, snap.MapStep.Count)
	assert.EqualValues(t, 10, snap.MapStep.MinTimeMs)
	assert.EqualValues(t, 30, snap.MapStep.MaxTimeMs)
	assert.InDelta(t, 20.0, snap.MapStep.AvgTimeMs, 0.001)
	assert.Nil(t, snap.MapStep.TotalInputTokens, "timing-only ops carry no token stats")
	assert.Nil(t, snap.ReduceStep)
}

func TestRecordLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpLLMGenerate, time.Second, 100, 20)
	c.RecordLLMUsage(OpLLMGenerate, time.Second, 300, 40)

	snap := c.Snapshot().LLMGenerate
	require.NotNil(t, snap)
	assert.EqualValues(t, 400, *snap.TotalInputTokens)
	assert.EqualValues(t, 60, *snap.TotalOutputTokens)
	assert.EqualValues(t, 100, *snap.MinInputTokens)
	assert.EqualValues(t, 300, *snap.MaxInputTokens)
	assert.InDelta(t, 30.0, *snap.AvgOutputTokens, 0.001)
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.Inc(CounterJobsSubmitted, 1)
	c.Inc(CounterJobsSubmitted, 2)

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.Counters[CounterJobsSubmitted])

	snap.Counters[CounterJobsSubmitted] = 99
	assert.EqualValues(t, 3, c.Snapshot().Counters[CounterJobsSubmitted], "snapshot must not alias collector state")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Inc(CounterJobsFailed, 1)
	c.RecordTiming(OpJobRun, time.Second)
	c.RecordLLMUsage(OpLLMGenerate, time.Second, 1, 1)
	c.Track(OpStoreOp)()
}
