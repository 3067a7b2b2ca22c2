package deliberation

import (
	"fmt"
	"sync"
)

// Level buckets an impact score for reporting and threshold actions.
type Level string

const (
	LevelCritical   Level = "CRITICAL"
	LevelHigh       Level = "HIGH"
	LevelMedium     Level = "MEDIUM"
	LevelLow        Level = "LOW"
	LevelNegligible Level = "NEGLIGIBLE"
)

// LevelFor maps a score onto its impact level.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelCritical
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	case score >= 0.2:
		return LevelLow
	}
	return LevelNegligible
}

// ThresholdManager holds the per-level action boundaries and accepts
// bounded feedback adjustments. The divert threshold consumed by the bus
// is the HIGH boundary adjusted over time; all boundaries stay in [0,1].
type ThresholdManager struct {
	mu         sync.RWMutex
	boundaries map[Level]float64
}

// NewThresholdManager starts from the default level boundaries.
func NewThresholdManager() *ThresholdManager {
	return &ThresholdManager{
		boundaries: map[Level]float64{
			LevelCritical: 0.9,
			LevelHigh:     0.7,
			LevelMedium:   0.4,
			LevelLow:      0.2,
		},
	}
}

// Threshold returns the current boundary for a level.
func (m *ThresholdManager) Threshold(level Level) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.boundaries[level]
}

// Adjust applies a feedback delta to a level boundary, clamped to [0,1].
// Deltas typically come from the learning loop's predicted correction.
func (m *ThresholdManager) Adjust(level Level, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.boundaries[level]
	if !ok {
		return 0, fmt.Errorf("deliberation: no adjustable threshold for level %s", level)
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	m.boundaries[level] = next
	return next, nil
}

// Snapshot copies the boundary map for metrics.
func (m *ThresholdManager) Snapshot() map[Level]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Level]float64, len(m.boundaries))
	for k, v := range m.boundaries {
		out[k] = v
	}
	return out
}
