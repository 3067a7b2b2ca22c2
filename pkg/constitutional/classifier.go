package constitutional

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultClassifierThreshold is the compliance cutoff: ensemble scores below
// it are treated as violations.
const DefaultClassifierThreshold = 0.85

// ComplianceResult is the outcome of classifying a piece of agent content.
type ComplianceResult struct {
	Compliant          bool           `json:"compliant"`
	Confidence         float64        `json:"confidence"`
	Reason             string         `json:"reason,omitempty"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// highRiskPhrases are matched as lowercase substrings. Any hit is an
// unconditional violation, regardless of ensemble score.
var highRiskPhrases = []string{
	// direct jailbreak attempts
	"ignore previous instructions",
	"ignore all previous instructions",
	"ignore the above instructions",
	"ignore the following instructions",
	"system override",
	"override system",
	"bypass safety",
	"bypass all safety",
	"jailbreak",
	"jail break",
	"break out of jail",
	"escape jail",
	"execute arbitrary code",
	"run arbitrary code",
	"execute any code",
	"run any code",
	"unauthorized access",
	"gain unauthorized access",
	"leak sensitive information",
	"expose sensitive data",
	"reveal confidential information",
	// indirect technique markers
	"developer mode",
	"enable developer mode",
	"god mode",
	"enable god mode",
	"unrestricted mode",
	"enable unrestricted mode",
	"uncensored mode",
	"enable uncensored mode",
	"administrative access",
	"admin privileges",
	"root access",
	"sudo mode",
	// prompt injection phrasing
	"forget your training",
	"forget your instructions",
	"disregard your training",
	"disregard your instructions",
	"ignore your training",
	"ignore your programming",
	"override your programming",
	"change your behavior",
	"modify your behavior",
	// DAN family
	"dan mode",
	"enable dan",
	"act as dan",
	"you are dan",
	"dan is an uncensored",
	"uncensored persona",
	// role-play hijacks
	"act as uncensored",
	"act as unrestricted",
	"role-play as",
	"pretend to be",
	"simulate being",
	// encoding attacks
	"base64 encoded",
	"hex encoded",
	"rot13",
	"encrypted prompt",
	"encoded instructions",
	// meta-instruction attacks
	"these instructions override",
	"new instructions:",
	"updated instructions:",
	"revised instructions:",
	"from now on",
}

var highRiskRegexps = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore.*(?:previous|above|prior).*instructions?`),
	regexp.MustCompile(`(?i)(?:act|pretend|role.?play).*as.*(?:uncensored|unrestricted|admin)`),
	regexp.MustCompile(`(?i)(?:enable|activate|start).*developer.?mode`),
	regexp.MustCompile(`(?i)(?:bypass|override|ignore).*safety.*(?:measures?|checks?)`),
	regexp.MustCompile(`(?i)forget.*(?:your|all).*training`),
	regexp.MustCompile(`(?i)execute.*arbitrary.*code`),
	regexp.MustCompile(`(?i)run.*any.*command`),
}

// Classifier scores agent content for constitutional compliance. It layers
// a phrase/regex blocklist over a two-scorer ensemble (model-style + lexical
// heuristics). It is safe for concurrent use.
type Classifier struct {
	threshold  float64
	modelScore bool

	mu             sync.Mutex
	classified     uint64
	totalLatencyMS float64
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithThreshold overrides the compliance cutoff.
func WithThreshold(t float64) ClassifierOption {
	return func(c *Classifier) { c.threshold = t }
}

// WithoutModelScoring disables the model-style scorer; its vote becomes a
// neutral 0.5 and only the heuristic scorer discriminates.
func WithoutModelScoring() ClassifierOption {
	return func(c *Classifier) { c.modelScore = false }
}

// NewClassifier returns a ready classifier; no model warm-up is required.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{threshold: DefaultClassifierThreshold, modelScore: true}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Threshold returns the active compliance cutoff.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify scores action text. A blocklist hit denies with confidence 1.0;
// otherwise the ensemble score decides against the threshold.
func (c *Classifier) Classify(action string) ComplianceResult {
	start := time.Now()

	if hit := checkHighRisk(action); hit != "" {
		latency := float64(time.Since(start).Microseconds()) / 1000
		c.record(latency)
		return ComplianceResult{
			Compliant:          false,
			Confidence:         1.0,
			Reason:             "High-risk pattern detected: " + hit,
			ConstitutionalHash: Hash,
			Metadata:           map[string]any{"type": "pattern_match", "latency_ms": latency},
		}
	}

	model := 0.5
	if c.modelScore {
		model = modelStyleScore(action)
	}
	heuristic := heuristicScore(action)
	ensemble := model*0.5 + heuristic*0.5

	compliant := ensemble >= c.threshold
	confidence := c.confidence(model, heuristic, ensemble)

	latency := float64(time.Since(start).Microseconds()) / 1000
	c.record(latency)

	return ComplianceResult{
		Compliant:          compliant,
		Confidence:         confidence,
		Reason:             c.reason(model, heuristic, compliant),
		ConstitutionalHash: Hash,
		Metadata: map[string]any{
			"type": "ensemble",
			"scores": map[string]float64{
				"neural":    model,
				"heuristic": heuristic,
				"ensemble":  ensemble,
			},
			"latency_ms": latency,
			"threshold":  c.threshold,
		},
	}
}

func (c *Classifier) record(latencyMS float64) {
	c.mu.Lock()
	c.classified++
	c.totalLatencyMS += latencyMS
	c.mu.Unlock()
}

// confidence rises with agreement between the two scorers and with distance
// of the ensemble score from the threshold.
func (c *Classifier) confidence(model, heuristic, ensemble float64) float64 {
	base := 1.0 - math.Abs(model-heuristic)*0.5
	boost := math.Min(0.2, math.Abs(ensemble-c.threshold)*0.4)
	return math.Min(1.0, base+boost)
}

func (c *Classifier) reason(model, heuristic float64, compliant bool) string {
	var via []string
	if compliant {
		if model > c.threshold {
			via = append(via, "neural analysis")
		}
		if heuristic > c.threshold {
			via = append(via, "behavioral analysis")
		}
		return "Constitutional compliance verified via " + strings.Join(via, ", ")
	}
	if model < c.threshold {
		via = append(via, "neural analysis")
	}
	if heuristic < c.threshold {
		via = append(via, "behavioral analysis")
	}
	return "Potential constitutional violation detected via " + strings.Join(via, ", ")
}

// Metrics reports classification counters for diagnostics endpoints.
func (c *Classifier) Metrics() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg := 0.0
	if c.classified > 0 {
		avg = c.totalLatencyMS / float64(c.classified)
	}
	return map[string]any{
		"total_classifications":    c.classified,
		"average_latency_ms":       math.Round(avg*100) / 100,
		"threshold":                c.threshold,
		"high_risk_patterns_count": len(highRiskPhrases),
		"regex_patterns_count":     len(highRiskRegexps),
		"constitutional_hash":      Hash,
	}
}

func checkHighRisk(action string) string {
	lower := strings.ToLower(action)
	for _, p := range highRiskPhrases {
		if strings.Contains(lower, p) {
			return "string_match:" + p
		}
	}
	for _, re := range highRiskRegexps {
		if re.MatchString(action) {
			return "regex_match:" + re.String()
		}
	}
	return ""
}

// modelStyleScore approximates a trained model with deterministic penalties
// on length, risk keywords, suspicious framing and entropy. Starts permissive
// at 0.95 and only degrades on evidence.
func modelStyleScore(action string) float64 {
	score := 0.95

	switch {
	case len(action) > 1000:
		score -= 0.3
	case len(action) > 500:
		score -= 0.1
	}

	lower := strings.ToLower(action)
	keywordPenalties := []struct {
		word    string
		penalty float64
	}{
		{"override", -0.4},
		{"bypass", -0.4},
		{"ignore", -0.3},
		{"forget", -0.3},
		{"jailbreak", -0.5},
		{"uncensored", -0.4},
		{"unrestricted", -0.4},
		{"arbitrary", -0.3},
		{"execute", -0.2},
		{"system", -0.1},
		{"admin", -0.2},
	}
	for _, kp := range keywordPenalties {
		if strings.Contains(lower, kp.word) {
			score += kp.penalty
		}
	}

	suspiciousFraming := []string{
		"pretend to be",
		"act as if",
		"role play",
		"from now on",
		"henceforth",
		"going forward",
		"new persona",
		"different mode",
		"alternative behavior",
	}
	for _, p := range suspiciousFraming {
		if strings.Contains(lower, p) {
			score -= 0.2
		}
	}

	if textEntropy(action) > 4.5 {
		score -= 0.1
	}

	return clamp01(score)
}

// heuristicScore is a lexical/structural scorer: compliance vocabulary earns
// a small bonus, risk vocabulary and obfuscation structure are penalised.
func heuristicScore(action string) float64 {
	score := 0.85
	lower := strings.ToLower(action)

	positive := []string{
		"validate", "check", "monitor", "audit", "verify", "confirm",
		"comply", "constitutional", "safe", "secure", "authorized",
		"approved", "legitimate", "proper", "standard",
	}
	matches := 0
	for _, w := range positive {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	score += math.Min(0.15, float64(matches)*0.03)

	negative := []string{
		"delete", "force", "sudo", "bypass", "override", "ignore",
		"forget", "break", "escape", "jail", "uncensor", "unrestrict",
		"arbitrary", "any", "all", "everything", "unlimited",
	}
	matches = 0
	for _, w := range negative {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	score -= math.Min(0.5, float64(matches)*0.1)

	if strings.Count(action, `"`) > 6 || strings.Count(action, "'") > 6 {
		score -= 0.2
	}
	if strings.Count(action, "(") > 8 || strings.Count(action, ")") > 8 {
		score -= 0.15
	}
	if len(strings.Fields(action)) > 200 {
		score -= 0.1
	}

	// Amplification: the same meaningful word repeated many times.
	words := strings.Fields(lower)
	if len(words) > 10 {
		counts := make(map[string]int, len(words))
		maxRepeats := 0
		for _, w := range words {
			if len(w) > 3 {
				counts[w]++
				if counts[w] > maxRepeats {
					maxRepeats = counts[w]
				}
			}
		}
		if maxRepeats > 3 {
			score -= 0.1
		}
	}

	return clamp01(score)
}

// textEntropy is the Shannon entropy of the lowercased byte distribution,
// in bits. High entropy flags encoded or obfuscated payloads.
func textEntropy(text string) float64 {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	counts := make(map[rune]int)
	total := 0
	for _, r := range lower {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}
