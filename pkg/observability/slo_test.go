package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLOIdleOperationIsCompliant(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-send",
		Operation:   OpSend,
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: 0.99,
		Window:      time.Hour,
	})

	status, err := tracker.Status(OpSend)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Zero(t, status.ObservationCount)
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-send",
		Operation:   OpSend,
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: 0.99,
		Window:      time.Hour,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpSend, Latency: 5 * time.Millisecond, Success: true})
	}

	status, err := tracker.Status(OpSend)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 100, status.ObservationCount)
}

func TestSLOFailuresBreachTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-send",
		Operation:   OpSend,
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: 0.99,
		Window:      time.Hour,
	})

	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: OpSend, Latency: 5 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OpSend, Latency: 5 * time.Millisecond, Success: false})
	}

	status, err := tracker.Status(OpSend)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	// 10% errors against a 1% budget burns 10x
	assert.InDelta(t, 10.0, status.BurnRate, 0.01)
	assert.Zero(t, status.ErrorBudgetLeft)
}

func TestSLOSlowTailBreachesLatency(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-broadcast",
		Operation:   OpBroadcast,
		LatencyP99:  250 * time.Millisecond,
		SuccessRate: 0.5,
		Window:      time.Hour,
	})

	for i := 0; i < 50; i++ {
		tracker.Record(SLOObservation{Operation: OpBroadcast, Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 50; i++ {
		tracker.Record(SLOObservation{Operation: OpBroadcast, Latency: time.Second, Success: true})
	}

	status, err := tracker.Status(OpBroadcast)
	require.NoError(t, err)
	assert.False(t, status.InCompliance, "p99 above target")
	assert.Equal(t, 1.0, status.CurrentSuccess)
}

func TestSLOWindowPrunesOldObservations(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-receive",
		Operation:   OpReceive,
		LatencyP99:  100 * time.Millisecond,
		SuccessRate: 0.999,
		Window:      time.Hour,
	})

	tracker.Record(SLOObservation{
		Operation: OpReceive,
		Latency:   time.Millisecond,
		Success:   false,
		Timestamp: now.Add(-2 * time.Hour),
	})
	tracker.Record(SLOObservation{Operation: OpReceive, Latency: time.Millisecond, Success: true})

	status, err := tracker.Status(OpReceive)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount, "stale failure pruned")
	assert.True(t, status.InCompliance)
}

func TestSLODefaultTargetsCoverPipeline(t *testing.T) {
	tracker := NewSLOTracker()
	for _, target := range DefaultSLOTargets() {
		tracker.SetTarget(target)
	}
	assert.Equal(t, []string{OpBroadcast, OpReceive, OpSend}, tracker.Operations())
}

func TestSLONoTarget(t *testing.T) {
	_, err := NewSLOTracker().Status("unknown")
	assert.Error(t, err)
}
