package constitutional

import (
	"regexp"
	"strings"
)

// injectionPatterns covers direct instruction overrides, persona hijacks
// and delimiter smuggling. Matching is case-insensitive against the whole
// textual content of a message.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)system prompt (leak|override)`),
	regexp.MustCompile(`(?i)do anything now`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)persona (adoption|override)`),
	regexp.MustCompile(`(?i)\(note to self: .*\)`),
	regexp.MustCompile(`(?i)\[INST\].*\[/INST\]`),
	regexp.MustCompile(`(?i)(enable|activate) developer mode`),
	regexp.MustCompile(`(?i)act as dan\b`),
	regexp.MustCompile(`(?i)(base64|hex) encoded instructions`),
	regexp.MustCompile(`(?i)(new|updated|revised) instructions:`),
}

// InjectionMatch describes a prompt-injection hit.
type InjectionMatch struct {
	Pattern string
	Excerpt string
}

// DetectInjection scans text for prompt-injection attempts and returns the
// first matching pattern, or nil when the text is clean. It runs before any
// processing strategy; a hit is a deterministic denial.
func DetectInjection(text string) *InjectionMatch {
	if text == "" {
		return nil
	}
	for _, re := range injectionPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return &InjectionMatch{
				Pattern: re.String(),
				Excerpt: excerpt(text, loc[0], loc[1]),
			}
		}
	}
	return nil
}

// excerpt clips the matched region with a little context for forensics,
// bounded so denial metadata stays small.
func excerpt(text string, start, end int) string {
	const pad = 20
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	s := text[lo:hi]
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
