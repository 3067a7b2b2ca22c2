// Package opaclient talks to an Open Policy Agent server over its data API.
//
// Evaluation is strictly fail-closed: every transport failure, bad status
// or unparseable response yields a deny decision. Availability failures are
// additionally reported as errors wrapping ErrUnavailable so a fallback
// chain can tell "the engine said no" apart from "the engine was not
// there". Decisions that came from the engine are cached, keyed by policy
// path plus a canonical digest of the input.
package opaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

const (
	// DefaultTimeout bounds every data-API call.
	DefaultTimeout = 5 * time.Second
	// DefaultCacheTTL is how long an engine decision stays cached.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultPath is the constitutional validation rule, dotted form.
	DefaultPath = "acgs.constitutional.validate"

	healthTimeout = 2 * time.Second
	maxInputBytes = 512 << 10
)

// ErrUnavailable marks transport and availability failures. The decision
// paired with it is the fail-closed interpretation, not a policy verdict.
var ErrUnavailable = errors.New("opa unavailable")

var pathPattern = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// Deny codes. ALLOW and DENY_POLICY are engine verdicts; the rest are
// synthesized fail-closed outcomes.
const (
	CodeAllow         = "ALLOW"
	CodeDenyPolicy    = "DENY_POLICY"
	CodeInvalidPath   = "DENY_INVALID_PATH"
	CodeInputTooLarge = "DENY_INPUT_TOO_LARGE"
	CodeMarshalError  = "DENY_MARSHAL_ERROR"
	CodeRequestError  = "DENY_REQUEST_ERROR"
	CodeUnreachable   = "DENY_OPA_UNREACHABLE"
	CodeReadError     = "DENY_OPA_READ_ERROR"
	CodeParseError    = "DENY_OPA_PARSE_ERROR"
	CodeNoResult      = "DENY_OPA_NO_RESULT"
)

// Config configures the client.
type Config struct {
	// URL is the base URL of the OPA server (e.g. "http://localhost:8181").
	URL string
	// Path is the default decision path in dotted form. A leading "data."
	// is accepted and stripped. Default: acgs.constitutional.validate.
	Path string
	// Timeout bounds each evaluation call. Default: 5s.
	Timeout time.Duration
	// CacheTTL is the decision cache lifetime. Default: 5m.
	CacheTTL time.Duration
	// CacheSize caps the in-process cache. Default: 1000 entries.
	CacheSize int
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allow    bool           `json:"allow"`
	Code     string         `json:"code"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Cached   bool           `json:"-"`
}

// Client evaluates policies against a remote OPA server.
type Client struct {
	cfg    Config
	client *http.Client
	memory *decisionCache
	redis  redis.UniversalClient
	now    func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

// WithRedisCache adds a shared Redis tier in front of the in-process cache.
func WithRedisCache(r redis.UniversalClient) Option {
	return func(c *Client) { c.redis = r }
}

// WithClock replaces the time source. Cache expiry follows it.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
		c.memory.now = now
	}
}

// New creates a client. The zero Config gets localhost defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8181"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	c := &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		memory: newDecisionCache(cfg.CacheSize, cfg.CacheTTL),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultDecisionPath returns the configured default path, dotted form.
func (c *Client) DefaultDecisionPath() string { return normalizePath(c.cfg.Path) }

// normalizePath strips an optional "data." prefix.
func normalizePath(path string) string {
	return strings.TrimPrefix(path, "data.")
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type objectResult struct {
	Allow    bool           `json:"allow"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

// Evaluate posts input to the decision path and returns the verdict. An
// empty path means the configured default. Deterministic local rejections
// (bad path, oversized input) and engine verdicts return a nil error;
// availability failures return the fail-closed deny plus an error wrapping
// ErrUnavailable.
func (c *Client) Evaluate(ctx context.Context, path string, input map[string]any) (*Decision, error) {
	if path == "" {
		path = c.cfg.Path
	}
	path = normalizePath(path)
	if !pathPattern.MatchString(path) || strings.Contains(path, "..") {
		return deny(CodeInvalidPath, fmt.Sprintf("Invalid policy path: %s", path), path), nil
	}

	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return deny(CodeMarshalError, "Input could not be encoded", path), nil
	}
	if len(payload) > maxInputBytes {
		return deny(CodeInputTooLarge, "Input data exceeds maximum allowed size", path), nil
	}

	key, err := cacheKey(path, input)
	if err == nil {
		if dec, ok := c.cacheGet(ctx, key); ok {
			dec.Cached = true
			return dec, nil
		}
	}

	url := c.cfg.URL + "/v1/data/" + strings.ReplaceAll(path, ".", "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return deny(CodeRequestError, "Request could not be built", path), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		d := deny(CodeUnreachable, "OPA service unavailable - denied (fail-closed)", path)
		return d, fmt.Errorf("opaclient: post %s: %w: %w", path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := fmt.Sprintf("DENY_OPA_HTTP_%d", resp.StatusCode)
		d := deny(code, fmt.Sprintf("OPA returned status %d", resp.StatusCode), path)
		return d, fmt.Errorf("opaclient: %s returned %d: %w", path, resp.StatusCode, ErrUnavailable)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d := deny(CodeReadError, "OPA response could not be read", path)
		return d, fmt.Errorf("opaclient: read %s: %w: %w", path, err, ErrUnavailable)
	}

	var envelope resultEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		d := deny(CodeParseError, "OPA response could not be parsed", path)
		return d, fmt.Errorf("opaclient: parse %s: %w: %w", path, err, ErrUnavailable)
	}

	dec := interpretResult(envelope.Result, path)
	if key != "" && dec.Code != CodeNoResult {
		c.cacheSet(ctx, path, key, dec)
	}
	return dec, nil
}

// interpretResult maps the engine result (bool or object) to a Decision.
// A missing result is a deny: an absent rule must not read as permission.
func interpretResult(raw json.RawMessage, path string) *Decision {
	if len(raw) == 0 || string(raw) == "null" {
		return deny(CodeNoResult, "Policy produced no result", path)
	}

	var allow bool
	if err := json.Unmarshal(raw, &allow); err == nil {
		dec := &Decision{
			Allow:    allow,
			Code:     CodeDenyPolicy,
			Reason:   "Policy evaluated successfully",
			Metadata: map[string]any{"policy_path": path},
		}
		if allow {
			dec.Code = CodeAllow
		}
		return dec
	}

	var obj objectResult
	if err := json.Unmarshal(raw, &obj); err != nil {
		return deny(CodeParseError, "Unexpected result type", path)
	}
	dec := &Decision{
		Allow:    obj.Allow,
		Code:     CodeDenyPolicy,
		Reason:   obj.Reason,
		Metadata: map[string]any{"policy_path": path},
	}
	if obj.Allow {
		dec.Code = CodeAllow
	}
	if dec.Reason == "" {
		dec.Reason = "Success"
	}
	for k, v := range obj.Metadata {
		dec.Metadata[k] = v
	}
	return dec
}

func deny(code, reason, path string) *Decision {
	return &Decision{
		Allow:    false,
		Code:     code,
		Reason:   reason,
		Metadata: map[string]any{"policy_path": path, "security": "fail-closed"},
	}
}

// Authorize asks the RBAC rule whether an agent may perform action on
// resource. A constitutional hash carried in extra must match the fleet
// hash; a mismatch is denied without consulting the engine.
func (c *Client) Authorize(ctx context.Context, agentID, action, resource string, extra map[string]any) (bool, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	if h, ok := extra["constitutional_hash"].(string); ok && h != constitutional.Hash {
		return false, nil
	}

	input := map[string]any{
		"agent_id":            agentID,
		"action":              action,
		"resource":            resource,
		"context":             extra,
		"constitutional_hash": constitutional.Hash,
		"timestamp":           c.now().UTC().Format(time.RFC3339),
	}
	dec, err := c.Evaluate(ctx, "acgs.rbac.allow", input)
	if err != nil {
		return false, err
	}
	return dec.Allow, nil
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("opaclient: health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("opaclient: health: %w", ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opaclient: health returned %d: %w", resp.StatusCode, ErrUnavailable)
	}
	return nil
}

// LoadPolicy uploads a rego module and invalidates the decision cache, so
// the next evaluation sees the new policy.
func (c *Client) LoadPolicy(ctx context.Context, id, source string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.cfg.URL+"/v1/policies/"+id, strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("opaclient: policy request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("opaclient: put policy %s: %w", id, ErrUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opaclient: put policy %s returned %d: %w", id, resp.StatusCode, ErrUnavailable)
	}

	c.ClearCache(ctx, "")
	return nil
}

// Stats describes the client's cache state.
type Stats struct {
	URL          string `json:"url"`
	CacheEntries int    `json:"cache_entries"`
	CacheBackend string `json:"cache_backend"`
	FailClosed   bool   `json:"fail_closed"`
}

// Stats reports cache backend and occupancy. FailClosed is always true.
func (c *Client) Stats() Stats {
	backend := "memory"
	if c.redis != nil {
		backend = "redis"
	}
	return Stats{
		URL:          c.cfg.URL,
		CacheEntries: c.memory.len(),
		CacheBackend: backend,
		FailClosed:   true,
	}
}

// cacheKey builds "opa:{path}:{digest16}" from the canonical input form.
func cacheKey(path string, input map[string]any) (string, error) {
	digest, err := constitutional.CanonicalDigest(input)
	if err != nil {
		return "", err
	}
	return "opa:" + path + ":" + digest[:16], nil
}
