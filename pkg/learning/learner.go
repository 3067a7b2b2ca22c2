// Package learning closes the governance feedback loop: an incremental
// impact learner trained from feedback events, and a drift detector
// watching the feature distributions the scorer depends on.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/acgs-project/agentbus/pkg/feedback"
)

// Status reflects how much training signal the learner has absorbed.
type Status string

const (
	StatusColdStart Status = "cold_start"
	StatusWarmingUp Status = "warming_up"
	StatusReady     Status = "ready"
)

// DefaultMinSamples is the sample count below which predictions fall back
// to the rule-based scorer.
const DefaultMinSamples = 500

// Fallback produces a rule-based impact score when the learner is cold.
type Fallback interface {
	Score(ctx context.Context, features map[string]float64) float64
}

// FallbackFunc adapts a function to Fallback.
type FallbackFunc func(ctx context.Context, features map[string]float64) float64

func (f FallbackFunc) Score(ctx context.Context, features map[string]float64) float64 {
	return f(ctx, features)
}

// Learner is an incremental linear model over impact features, updated
// one feedback event at a time. It never blocks the scoring path: when
// too few samples have arrived it defers to the fallback scorer.
type Learner struct {
	mu sync.RWMutex

	weights map[string]float64
	bias    float64
	lr      float64

	samples        int64
	minSamples     int64
	enableFallback bool
	fallback       Fallback

	// running accuracy over |prediction - target| <= tolerance
	correct   int64
	tolerance float64

	logger *slog.Logger
	now    func() time.Time

	lastUpdate time.Time
}

// Option configures the learner.
type Option func(*Learner)

// WithMinSamples overrides the readiness threshold.
func WithMinSamples(n int64) Option {
	return func(l *Learner) {
		if n > 0 {
			l.minSamples = n
		}
	}
}

// WithFallback installs the cold-start scorer.
func WithFallback(f Fallback) Option {
	return func(l *Learner) {
		l.fallback = f
		l.enableFallback = f != nil
	}
}

// WithLearningRate overrides the SGD step size.
func WithLearningRate(lr float64) Option {
	return func(l *Learner) {
		if lr > 0 {
			l.lr = lr
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Learner) { l.logger = logger }
}

// WithClock injects time, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// NewLearner builds an empty learner.
func NewLearner(opts ...Option) *Learner {
	l := &Learner{
		weights:    make(map[string]float64),
		lr:         0.05,
		minSamples: DefaultMinSamples,
		tolerance:  0.2,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Status reports the learner phase: cold_start below half the minimum,
// warming_up below the minimum, ready at or above it.
func (l *Learner) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statusLocked()
}

func (l *Learner) statusLocked() Status {
	switch {
	case l.samples < l.minSamples/2:
		return StatusColdStart
	case l.samples < l.minSamples:
		return StatusWarmingUp
	default:
		return StatusReady
	}
}

// Predict scores the features in [0,1]. Until the learner is ready it
// uses the fallback scorer when one is enabled, else a neutral 0.5.
func (l *Learner) Predict(ctx context.Context, features map[string]float64) float64 {
	l.mu.RLock()
	ready := l.statusLocked() == StatusReady
	l.mu.RUnlock()

	if !ready {
		if l.enableFallback {
			return clamp01(l.fallback.Score(ctx, features))
		}
		return 0.5
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.forwardLocked(features)
}

func (l *Learner) forwardLocked(features map[string]float64) float64 {
	z := l.bias
	for name, v := range features {
		z += l.weights[name] * v
	}
	// logistic link keeps predictions in (0,1)
	return 1 / (1 + math.Exp(-z))
}

// Learn absorbs one feedback event: the training target is the observed
// outcome blended with the explicit feedback signal.
func (l *Learner) Learn(event *feedback.Event) error {
	if _, err := event.Validate(); err != nil {
		return fmt.Errorf("learning: invalid event: %w", err)
	}
	features := extractFeatures(event)
	target := trainingTarget(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	pred := l.forwardLocked(features)
	grad := pred - target
	l.bias -= l.lr * grad
	for name, v := range features {
		l.weights[name] -= l.lr * grad * v
	}

	l.samples++
	if math.Abs(pred-target) <= l.tolerance {
		l.correct++
	}
	l.lastUpdate = l.now()
	return nil
}

// trainingTarget blends the outcome map {success 1, failure 0,
// partial .5} with the feedback map {positive 1, negative 0,
// neutral/correction .5}, preferring the observed actual impact when the
// outcome is unknown.
func trainingTarget(event *feedback.Event) float64 {
	return clamp01(0.6*event.OutcomeImpact() + 0.4*event.Signal())
}

// extractFeatures lifts numeric fields out of the event's feature map;
// predicted impact always participates so the model learns residuals.
func extractFeatures(event *feedback.Event) map[string]float64 {
	features := map[string]float64{"predicted_impact": event.PredictedImpact}
	for name, v := range event.Features {
		if f, ok := toFloat(v); ok {
			features[name] = f
		}
	}
	return features
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Accuracy is the running share of predictions within tolerance of the
// target at training time.
func (l *Learner) Accuracy() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.samples == 0 {
		return 0
	}
	return float64(l.correct) / float64(l.samples)
}

// Stats snapshots the learner state for diagnostics.
func (l *Learner) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]any{
		"status":      string(l.statusLocked()),
		"samples":     l.samples,
		"min_samples": l.minSamples,
		"accuracy":    l.accuracyLocked(),
		"features":    len(l.weights),
		"last_update": l.lastUpdate,
	}
}

func (l *Learner) accuracyLocked() float64 {
	if l.samples == 0 {
		return 0
	}
	return float64(l.correct) / float64(l.samples)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
