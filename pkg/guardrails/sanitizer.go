package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// SanitizerConfig tunes the input sanitiser layer.
type SanitizerConfig struct {
	MaxContentBytes     int
	AllowedContentTypes []string
	RedactInput         bool // redact PII on the inbound path too
}

// DefaultSanitizerConfig caps content at 1 MB and accepts text and JSON.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		MaxContentBytes:     1 << 20,
		AllowedContentTypes: []string{"text/plain", "application/json"},
	}
}

// injectionFamily groups patterns by the attack class they catch. Any hit
// is a CRITICAL violation and blocks the request.
type injectionFamily struct {
	name     string
	patterns []*regexp.Regexp
}

var injectionFamilies = []injectionFamily{
	{"xss", []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=`),
		regexp.MustCompile(`(?i)<img[^>]+src\s*=\s*["']?\s*data:`),
	}},
	{"sql_injection", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
		regexp.MustCompile(`(?i)('|")\s*(or|and)\s+('|")?\d+('|")?\s*=\s*('|")?\d+`),
		regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+(table|database)\b`),
		regexp.MustCompile(`(?i)\binto\s+(out|dump)file\b`),
		regexp.MustCompile(`(?i)\bexec(ute)?\s+(xp|sp)_`),
	}},
	{"command_injection", []*regexp.Regexp{
		regexp.MustCompile("`[^`]+`"),
		regexp.MustCompile(`\$\([^)]+\)`),
		regexp.MustCompile(`(?i)[;&|]\s*(rm|curl|wget|nc|bash|sh|python|perl)\b`),
		regexp.MustCompile(`(?i)\b(chmod|chown)\s+[0-7]{3,4}\b`),
	}},
	{"path_traversal", []*regexp.Regexp{
		regexp.MustCompile(`\.\.[\\/]`),
		regexp.MustCompile(`(?i)%2e%2e[\\/%]`),
		regexp.MustCompile(`(?i)[\\/](etc[\\/]passwd|windows[\\/]system32)`),
	}},
	{"ldap_injection", []*regexp.Regexp{
		regexp.MustCompile(`\(\s*[|&]\s*\(`),
		regexp.MustCompile(`(?i)\(\s*\w+\s*=\s*\*\s*\)`),
	}},
	{"nosql_injection", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\$(where|ne|gt|lt|regex|exists)\b`),
		regexp.MustCompile(`(?i)\{\s*"\$\w+"\s*:`),
	}},
	{"template_injection", []*regexp.Regexp{
		regexp.MustCompile(`\{\{[^}]*\}\}`),
		regexp.MustCompile(`\$\{[^}]+\}`),
		regexp.MustCompile(`(?i)<%[^%]*%>`),
	}},
	{"xxe", []*regexp.Regexp{
		regexp.MustCompile(`(?i)<!DOCTYPE[^>]+\[`),
		regexp.MustCompile(`(?i)<!ENTITY\b`),
		regexp.MustCompile(`(?i)SYSTEM\s+["']file:`),
	}},
}

// piiPattern detects personal data. Hits are flagged (AUDIT) on input and
// redacted on output.
type piiPattern struct {
	name    string
	pattern *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"card_pan", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"phone", regexp.MustCompile(`\b\+?\d{1,2}[ .-]?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
	{"ip_address", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"mac_address", regexp.MustCompile(`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`)},
	{"api_key", regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{36})\b`)},
}

// Go's regexp (RE2) has no backreferences, so the "closing tag matches the
// opening tag" rule is expanded into one paired alternative per tag name.
var htmlScrub = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>|<\s*iframe\b[^>]*>.*?<\s*/\s*iframe\s*>|<\s*object\b[^>]*>.*?<\s*/\s*object\s*>|<\s*embed\b[^>]*>.*?<\s*/\s*embed\s*>|<\s*form\b[^>]*>.*?<\s*/\s*form\s*>|<\s*input\b[^>]*>.*?<\s*/\s*input\s*>|<\s*button\b[^>]*>.*?<\s*/\s*button\s*>|<\s*(script|iframe|object|embed|form|input|button)\b[^>]*/?\s*>`)

// Sanitizer is pipeline layer 2: size and content-type gates, NFKC
// normalisation, HTML scrubbing, injection families, PII flagging and
// optional per-content-type payload schemas.
type Sanitizer struct {
	cfg     SanitizerConfig
	allowed map[string]struct{}
	schemas map[string]*jsonschema.Schema
}

// NewSanitizer builds the layer.
func NewSanitizer(cfg SanitizerConfig) *Sanitizer {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 1 << 20
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"text/plain", "application/json"}
	}
	s := &Sanitizer{
		cfg:     cfg,
		allowed: make(map[string]struct{}, len(cfg.AllowedContentTypes)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, ct := range cfg.AllowedContentTypes {
		s.allowed[ct] = struct{}{}
	}
	return s
}

// AddSchema compiles and registers a JSON schema enforced on
// application/json payloads of the given content type.
func (s *Sanitizer) AddSchema(contentType, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("guardrails: add schema for %s: %w", contentType, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("guardrails: compile schema for %s: %w", contentType, err)
	}
	s.schemas[contentType] = schema
	return nil
}

func (s *Sanitizer) Name() string { return "input_sanitizer" }

func (s *Sanitizer) Check(_ context.Context, req *Request) (*LayerResult, error) {
	lr := &LayerResult{Layer: s.Name(), Action: ActionAllow}

	if len(req.Content) > s.cfg.MaxContentBytes {
		return s.block(lr, "content_too_large",
			fmt.Sprintf("content is %d bytes, cap is %d", len(req.Content), s.cfg.MaxContentBytes)), nil
	}
	if req.ContentType != "" {
		base := strings.TrimSpace(strings.SplitN(req.ContentType, ";", 2)[0])
		if _, ok := s.allowed[base]; !ok {
			return s.block(lr, "content_type_not_allowed",
				fmt.Sprintf("content type %q is not accepted", base)), nil
		}
	}

	// Normalise before matching so fullwidth/compatibility forms cannot
	// smuggle patterns past the regexes.
	content := norm.NFKC.String(req.Content)

	if scrubbed := htmlScrub.ReplaceAllString(content, ""); scrubbed != content {
		content = scrubbed
		lr.Action = ActionModify
		lr.Violations = append(lr.Violations, Violation{
			Layer:    s.Name(),
			Rule:     "html_scrubbed",
			Severity: SeverityMedium,
			Detail:   "active HTML elements removed",
		})
	}

	for _, family := range injectionFamilies {
		for _, re := range family.patterns {
			if loc := re.FindStringIndex(content); loc != nil {
				lr.Violations = append(lr.Violations, Violation{
					Layer:    s.Name(),
					Rule:     family.name,
					Severity: SeverityCritical,
					Detail:   fmt.Sprintf("pattern %q matched", re.String()),
				})
				lr.Action = ActionBlock
				return lr, nil
			}
		}
	}

	// PII on the inbound path is flagged, not blocked.
	piiHits := 0
	for _, pii := range piiPatterns {
		if pii.pattern.MatchString(content) {
			piiHits++
			lr.Violations = append(lr.Violations, Violation{
				Layer:    s.Name(),
				Rule:     "pii_" + pii.name,
				Severity: SeverityMedium,
				Detail:   "personal data detected in input",
			})
			if s.cfg.RedactInput {
				content = pii.pattern.ReplaceAllString(content, "[REDACTED:"+pii.name+"]")
			}
		}
	}
	if piiHits > 0 {
		if s.cfg.RedactInput {
			lr.Action = ActionModify
		} else if lr.Action.precedence() < ActionAudit.precedence() {
			lr.Action = ActionAudit
		}
	}

	if schema, ok := s.schemas[req.ContentType]; ok && strings.HasPrefix(req.ContentType, "application/json") {
		var doc any
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return s.block(lr, "payload_not_json", err.Error()), nil
		}
		if err := schema.Validate(doc); err != nil {
			return s.block(lr, "payload_schema_violation", err.Error()), nil
		}
	}

	if content != req.Content {
		lr.ModifiedContent = content
	}
	return lr, nil
}

func (s *Sanitizer) block(lr *LayerResult, rule, detail string) *LayerResult {
	lr.Action = ActionBlock
	lr.Violations = append(lr.Violations, Violation{
		Layer:    s.Name(),
		Rule:     rule,
		Severity: SeverityCritical,
		Detail:   detail,
	})
	return lr
}
