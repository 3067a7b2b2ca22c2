package learning

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Drift severities, ordered. HIGH and CRITICAL trigger retraining.
type DriftSeverity string

const (
	DriftNone     DriftSeverity = "none"
	DriftLow      DriftSeverity = "low"
	DriftModerate DriftSeverity = "moderate"
	DriftHigh     DriftSeverity = "high"
	DriftCritical DriftSeverity = "critical"
)

const (
	// DefaultPSIThreshold marks a single feature as drifted.
	DefaultPSIThreshold = 0.2
	// DefaultShareThreshold marks the dataset as drifted when this share
	// of features drifted.
	DefaultShareThreshold = 0.5
	// DefaultMinDriftSamples is the floor before PSI is meaningful.
	DefaultMinDriftSamples = 100

	psiBins = 10
)

// FeatureDrift is one feature's PSI against its reference window.
type FeatureDrift struct {
	Feature string  `json:"feature"`
	PSI     float64 `json:"psi"`
	Drifted bool    `json:"drifted"`
}

// DriftReport summarises one detection pass.
type DriftReport struct {
	Timestamp       time.Time      `json:"timestamp"`
	Severity        DriftSeverity  `json:"severity"`
	DriftedShare    float64        `json:"drifted_share"`
	Features        []FeatureDrift `json:"features"`
	RetrainRequired bool           `json:"retrain_required"`
	Recommendations []string       `json:"recommendations"`
	Samples         int            `json:"samples"`
}

// DriftConfig tunes the detector.
type DriftConfig struct {
	PSIThreshold   float64
	ShareThreshold float64
	MinSamples     int
}

// DriftDetector compares a sliding window of feature observations against
// a frozen reference distribution using the population stability index.
type DriftDetector struct {
	mu sync.Mutex

	cfg       DriftConfig
	reference map[string][]float64
	current   map[string][]float64
	history   []*DriftReport
	logger    *slog.Logger
	now       func() time.Time

	onRetrain func(*DriftReport)
}

// DriftOption configures the detector.
type DriftOption func(*DriftDetector)

// WithDriftClock injects time, for tests.
func WithDriftClock(now func() time.Time) DriftOption {
	return func(d *DriftDetector) { d.now = now }
}

// WithRetrainHook registers a callback fired on HIGH or CRITICAL drift.
func WithRetrainHook(fn func(*DriftReport)) DriftOption {
	return func(d *DriftDetector) { d.onRetrain = fn }
}

// WithDriftLogger sets the logger.
func WithDriftLogger(logger *slog.Logger) DriftOption {
	return func(d *DriftDetector) { d.logger = logger }
}

// NewDriftDetector builds a detector with the given thresholds; zero
// values take the defaults.
func NewDriftDetector(cfg DriftConfig, opts ...DriftOption) *DriftDetector {
	if cfg.PSIThreshold <= 0 {
		cfg.PSIThreshold = DefaultPSIThreshold
	}
	if cfg.ShareThreshold <= 0 {
		cfg.ShareThreshold = DefaultShareThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinDriftSamples
	}
	d := &DriftDetector{
		cfg:       cfg,
		reference: make(map[string][]float64),
		current:   make(map[string][]float64),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetReference freezes the baseline distribution per feature.
func (d *DriftDetector) SetReference(samples map[string][]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reference = make(map[string][]float64, len(samples))
	for name, vs := range samples {
		d.reference[name] = append([]float64(nil), vs...)
	}
}

// Observe appends one observation per feature to the current window.
func (d *DriftDetector) Observe(features map[string]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, v := range features {
		d.current[name] = append(d.current[name], v)
	}
}

// Detect runs one PSI pass over the current window. Below the sample
// floor it reports DriftNone without consuming the window.
func (d *DriftDetector) Detect() *DriftReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := d.windowSizeLocked()
	report := &DriftReport{Timestamp: d.now(), Severity: DriftNone, Samples: samples}
	if samples < d.cfg.MinSamples {
		report.Recommendations = append(report.Recommendations,
			"insufficient samples for drift analysis; keep collecting")
		d.history = append(d.history, report)
		return report
	}

	var drifted int
	var tracked int
	for name, ref := range d.reference {
		cur, ok := d.current[name]
		if !ok || len(cur) == 0 {
			continue
		}
		tracked++
		psi := populationStabilityIndex(ref, cur)
		fd := FeatureDrift{Feature: name, PSI: psi, Drifted: psi >= d.cfg.PSIThreshold}
		if fd.Drifted {
			drifted++
		}
		report.Features = append(report.Features, fd)
	}
	sort.Slice(report.Features, func(i, j int) bool {
		return report.Features[i].PSI > report.Features[j].PSI
	})

	if tracked > 0 {
		report.DriftedShare = float64(drifted) / float64(tracked)
	}
	report.Severity = severityFor(report.DriftedShare)
	report.RetrainRequired = report.Severity == DriftHigh || report.Severity == DriftCritical
	report.Recommendations = recommendationsFor(report)

	d.history = append(d.history, report)
	if report.RetrainRequired {
		d.logger.Warn("feature drift requires retraining",
			"severity", report.Severity, "drifted_share", report.DriftedShare)
		if d.onRetrain != nil {
			d.onRetrain(report)
		}
	}
	// drifted window becomes the next reference so repeated alerts need
	// repeated movement
	if report.RetrainRequired {
		d.reference = d.current
	}
	d.current = make(map[string][]float64)
	return report
}

func (d *DriftDetector) windowSizeLocked() int {
	max := 0
	for _, vs := range d.current {
		if len(vs) > max {
			max = len(vs)
		}
	}
	return max
}

// History returns prior reports, newest last.
func (d *DriftDetector) History() []*DriftReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DriftReport(nil), d.history...)
}

// severityFor maps the drifted-feature share onto a severity band.
func severityFor(share float64) DriftSeverity {
	switch {
	case share >= 0.75:
		return DriftCritical
	case share >= 0.5:
		return DriftHigh
	case share >= 0.25:
		return DriftModerate
	case share >= 0.1:
		return DriftLow
	default:
		return DriftNone
	}
}

func recommendationsFor(report *DriftReport) []string {
	var recs []string
	switch report.Severity {
	case DriftCritical:
		recs = append(recs,
			"retrain immediately and review upstream agent behaviour",
			"consider raising the deliberation threshold until retrained")
	case DriftHigh:
		recs = append(recs, "schedule retraining within the current window")
	case DriftModerate:
		recs = append(recs, "increase monitoring frequency")
	case DriftLow:
		recs = append(recs, "no action required; continue monitoring")
	}
	for _, fd := range report.Features {
		if fd.Drifted {
			recs = append(recs, "inspect feature "+fd.Feature)
			break
		}
	}
	return recs
}

// populationStabilityIndex bins both samples over the reference range and
// sums (cur-ref)*ln(cur/ref) per bin with epsilon smoothing.
func populationStabilityIndex(reference, current []float64) float64 {
	if len(reference) == 0 || len(current) == 0 {
		return 0
	}
	lo, hi := minMax(reference)
	if hi == lo {
		hi = lo + 1e-9
	}
	refHist := histogram(reference, lo, hi)
	curHist := histogram(current, lo, hi)

	const eps = 1e-6
	var psi float64
	for i := 0; i < psiBins; i++ {
		r := refHist[i]/float64(len(reference)) + eps
		c := curHist[i]/float64(len(current)) + eps
		psi += (c - r) * math.Log(c/r)
	}
	return psi
}

func histogram(values []float64, lo, hi float64) [psiBins]float64 {
	var hist [psiBins]float64
	width := (hi - lo) / psiBins
	for _, v := range values {
		bin := int((v - lo) / width)
		if bin < 0 {
			bin = 0
		}
		if bin >= psiBins {
			bin = psiBins - 1
		}
		hist[bin]++
	}
	return hist
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
