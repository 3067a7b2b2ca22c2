package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/acgs-project/agentbus/pkg/constitutional"
	"github.com/acgs-project/agentbus/pkg/messaging"
)

// ErrRegistryUnavailable marks transport failures against the policy
// registry service.
var ErrRegistryUnavailable = errors.New("policy registry unavailable")

// RegistryClient is the dynamic-validation surface of the policy registry
// service. Implementations must not mutate the message.
type RegistryClient interface {
	// ValidateMessageSignature checks the message against the registry's
	// active policy and signing material.
	ValidateMessageSignature(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error)
	// CurrentPublicKey returns the registry's active verification key.
	CurrentPublicKey(ctx context.Context) (string, error)
	// HealthCheck probes the service.
	HealthCheck(ctx context.Context) error
}

// HTTPRegistryClient talks to the policy registry over HTTP. With FailClosed
// set, transport failures surface as denial results instead of errors, so a
// caller that cannot fall back still gets a verdict.
type HTTPRegistryClient struct {
	baseURL    string
	client     *http.Client
	failClosed bool
}

// RegistryClientOption customizes an HTTPRegistryClient.
type RegistryClientOption func(*HTTPRegistryClient)

// WithRegistryHTTPClient replaces the underlying HTTP client.
func WithRegistryHTTPClient(h *http.Client) RegistryClientOption {
	return func(c *HTTPRegistryClient) { c.client = h }
}

// WithFailClosed makes transport failures come back as denials.
func WithFailClosed(v bool) RegistryClientOption {
	return func(c *HTTPRegistryClient) { c.failClosed = v }
}

// NewHTTPRegistryClient creates a client with a 5s timeout.
func NewHTTPRegistryClient(baseURL string, opts ...RegistryClientOption) *HTTPRegistryClient {
	c := &HTTPRegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type validateResponse struct {
	Valid    bool           `json:"valid"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

// ValidateMessageSignature implements RegistryClient.
func (c *HTTPRegistryClient) ValidateMessageSignature(ctx context.Context, msg *messaging.AgentMessage) (*constitutional.ValidationResult, error) {
	body, err := msg.ToJSON()
	if err != nil {
		return constitutional.NewInvalid(fmt.Sprintf("Message could not be encoded: %v", err)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/signatures/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy: build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportFailure(fmt.Errorf("policy: validate: %w", ErrRegistryUnavailable))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.transportFailure(fmt.Errorf("policy: validate returned %d: %w",
			resp.StatusCode, ErrRegistryUnavailable))
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return c.transportFailure(fmt.Errorf("policy: decode validate response: %w", ErrRegistryUnavailable))
	}

	if !vr.Valid {
		reason := vr.Reason
		if reason == "" {
			reason = "Policy registry denied message"
		}
		result := constitutional.NewInvalid(reason)
		for k, v := range vr.Metadata {
			result.SetMeta(k, v)
		}
		return result, nil
	}

	result := constitutional.NewValid()
	for k, v := range vr.Metadata {
		result.SetMeta(k, v)
	}
	return result, nil
}

// transportFailure applies the fail-closed switch: either a denial result
// the caller must honor, or the raw error so a composite can fall back.
func (c *HTTPRegistryClient) transportFailure(err error) (*constitutional.ValidationResult, error) {
	if c.failClosed {
		result := constitutional.NewInvalid("Policy service unavailable - denied (fail-closed)")
		result.SetMeta("transport_error", err.Error())
		return result, nil
	}
	return nil, err
}

// CurrentPublicKey implements RegistryClient.
func (c *HTTPRegistryClient) CurrentPublicKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/keys/current", nil)
	if err != nil {
		return "", fmt.Errorf("policy: build key request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("policy: fetch key: %w", ErrRegistryUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("policy: fetch key returned %d: %w", resp.StatusCode, ErrRegistryUnavailable)
	}

	var payload struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("policy: decode key response: %w", err)
	}
	if payload.PublicKey == "" {
		return "", fmt.Errorf("policy: registry returned empty public key")
	}
	return payload.PublicKey, nil
}

// HealthCheck implements RegistryClient.
func (c *HTTPRegistryClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("policy: build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("policy: health: %w", ErrRegistryUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy: health returned %d: %w", resp.StatusCode, ErrRegistryUnavailable)
	}
	return nil
}
